package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/wnt/rebin/internal/cache"
	"github.com/wnt/rebin/internal/reposition"
	"github.com/wnt/rebin/internal/utils"
)

// Pending keeps the latest monitor proposals per wallet. Each proposal is
// served until its own expiry.
type Pending struct {
	cache cache.Cache
	now   func() time.Time
}

// NewPending stores proposals in c
func NewPending(c cache.Cache) *Pending {
	return &Pending{cache: c, now: time.Now}
}

// WithClock replaces the time source
func (p *Pending) WithClock(now func() time.Time) *Pending {
	p.now = now
	return p
}

func pendingKey(wallet string) string {
	return "pending_proposals:" + wallet
}

// Put replaces a wallet's pending proposals. An empty list clears them.
func (p *Pending) Put(ctx context.Context, wallet string, proposals []*reposition.Proposal) error {
	if len(proposals) == 0 {
		return p.cache.Delete(ctx, pendingKey(wallet))
	}
	expires := proposals[0].ExpiresAt
	for _, proposal := range proposals[1:] {
		if proposal.ExpiresAt.After(expires) {
			expires = proposal.ExpiresAt
		}
	}
	ttl := expires.Sub(p.now())
	if ttl <= 0 {
		return p.cache.Delete(ctx, pendingKey(wallet))
	}
	return cache.SetJSON(ctx, p.cache, pendingKey(wallet), proposals, ttl)
}

// Get returns a wallet's unexpired proposals
func (p *Pending) Get(ctx context.Context, wallet string) ([]*reposition.Proposal, error) {
	var proposals []*reposition.Proposal
	err := cache.GetJSON(ctx, p.cache, pendingKey(wallet), &proposals)
	if errors.Is(err, cache.ErrMiss) {
		return []*reposition.Proposal{}, nil
	}
	if err != nil {
		return nil, err
	}
	now := p.now()
	live := utils.Filter(proposals, func(proposal *reposition.Proposal) bool {
		return proposal.ExpiresAt.After(now)
	})
	if live == nil {
		live = []*reposition.Proposal{}
	}
	return live, nil
}

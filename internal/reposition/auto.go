package reposition

import (
	"context"
	"errors"

	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/settings"
)

// Skip reasons reported by PlanAutoReposition
const (
	SkipAutoDisabled = "auto-reposition is disabled in settings"
	SkipNotNeeded    = "position does not need repositioning"
	SkipGasTooHigh   = "estimated gas exceeds the configured maximum"
)

// AutoPlan is the outcome of evaluating a position for automatic repositioning
type AutoPlan struct {
	Recommendation *Recommendation `json:"recommendation"`
	Proposal       *Proposal       `json:"proposal,omitempty"`
	SkipReason     string          `json:"skipReason,omitempty"`
}

// PlanAutoReposition analyses a wallet's position under its settings and,
// when the wallet opted in and action is warranted, prepares an unsigned
// proposal using the recommended strategy and range. Strategy and range in
// in are ignored.
func (e *Engine) PlanAutoReposition(ctx context.Context, in PrepareInput) (*AutoPlan, error) {
	if e.settings == nil {
		return nil, errors.New("settings source not configured")
	}
	prefs, err := e.settings.Get(ctx, settings.Identity{WalletAddress: &in.WalletAddress})
	if err != nil {
		return nil, err
	}

	rec, err := e.AnalyzePosition(ctx, in.PositionAddress, in.PoolAddress)
	if err != nil {
		return nil, err
	}
	ApplySettings(rec, prefs)

	plan := &AutoPlan{Recommendation: rec}
	switch {
	case !prefs.AutoRepositionEnabled:
		plan.SkipReason = SkipAutoDisabled
	case !rec.ShouldReposition:
		plan.SkipReason = SkipNotNeeded
	case rec.EstimatedGasSOL > prefs.MaxGasCostSOL:
		plan.SkipReason = SkipGasTooHigh
	}
	if plan.SkipReason != "" {
		metrics.RecordProposal("skipped")
		return plan, nil
	}

	in.Strategy = rec.Strategy
	newRange := rec.NewRange
	in.BinRange = &newRange
	if in.MaxGasCostSOL == nil {
		in.MaxGasCostSOL = &prefs.MaxGasCostSOL
	}
	proposal, err := e.PrepareTransaction(ctx, in)
	if err != nil {
		return nil, err
	}
	plan.Proposal = proposal
	return plan, nil
}

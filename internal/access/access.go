// Package access decides whether a wallet may run an operation. Premium
// operations need an active subscription or, by default, a credit balance.
package access

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/store"
)

type Category string

const (
	CategoryFree          Category = "free"
	CategoryPremium       Category = "premium"
	CategoryUncategorized Category = "uncategorized"
)

const (
	ReasonCredit        = "credit"
	ReasonSubscription  = "subscription"
	ReasonMissingWallet = "must supply wallet address for premium operations; linked Telegram or position lookups are not supported"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrLookupFailed = errors.New("access lookup failed")
)

var freeOperations = map[string]bool{
	"get_user_positions_with_sync": true,
	"analyze_reposition":           true,
	"get_reposition_settings":      true,
	"update_reposition_settings":   true,
	"get_credit_balance":           true,
	"get_credit_usage":             true,
	"get_subscription_status":      true,
	"get_reposition_history":       true,
	"purchase_credits":             true,
	"use_credits":                  true,
	"record_reposition_execution":  true,
	"get_pending_proposals":        true,
}

var premiumOperations = map[string]bool{
	"prepare_reposition":      true,
	"execute_auto_reposition": true,
}

// Classify returns the category of an operation
func Classify(operation string) Category {
	switch {
	case freeOperations[operation]:
		return CategoryFree
	case premiumOperations[operation]:
		return CategoryPremium
	default:
		return CategoryUncategorized
	}
}

// SubscriptionStore reads subscriptions
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, wallet string) (*models.Subscription, error)
}

// CreditStore reads credit balances
type CreditStore interface {
	GetCreditBalance(ctx context.Context, wallet string) (*models.CreditBalance, error)
}

// Policy controls the gate's behaviour on the edges
type Policy struct {
	// FailOpen allows premium operations when lookups fail
	FailOpen bool
	// DenyUncategorized rejects operations in neither set
	DenyUncategorized bool
	// AllowCreditFallback admits wallets without a subscription that hold credits
	AllowCreditFallback bool
	UpgradeURL          string
}

// DefaultPolicy favours availability
func DefaultPolicy() Policy {
	return Policy{
		FailOpen:            true,
		AllowCreditFallback: true,
		UpgradeURL:          "https://rebin.app/upgrade",
	}
}

// Args are the identity fields of a tool call
type Args struct {
	WalletAddress   string `json:"walletAddress,omitempty"`
	TelegramUserID  *int64 `json:"telegramUserId,omitempty"`
	PositionAddress string `json:"positionAddress,omitempty"`
}

// SubscriptionStatus is the caller-facing view of a subscription
type SubscriptionStatus struct {
	Tier          string     `json:"tier"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	DaysRemaining int        `json:"daysRemaining"`
}

// Decision is the outcome of an access check
type Decision struct {
	Allowed       bool                `json:"allowed"`
	Category      Category            `json:"category"`
	Reason        string              `json:"reason,omitempty"`
	Subscription  *SubscriptionStatus `json:"subscriptionStatus,omitempty"`
	CreditBalance *int64              `json:"creditBalance,omitempty"`
	UpgradeURL    string              `json:"upgradeUrl,omitempty"`

	// failOpen marks an allow granted because a lookup failed
	failOpen bool
}

// DeniedError carries a denial out of WithAccessCheck
type DeniedError struct {
	Operation string
	Decision  *Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Decision.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// Gate enforces access
type Gate struct {
	subscriptions SubscriptionStore
	credits       CreditStore
	policy        Policy
	now           func() time.Time
	logger        zerolog.Logger
}

// NewGate creates a gate
func NewGate(subscriptions SubscriptionStore, credits CreditStore, policy Policy, logger zerolog.Logger) *Gate {
	return &Gate{
		subscriptions: subscriptions,
		credits:       credits,
		policy:        policy,
		now:           time.Now,
		logger:        logger.With().Str("component", "access_gate").Logger(),
	}
}

// WithClock replaces the time source
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// StatusOf derives the caller-facing status. A missing subscription is an
// inactive free tier.
func StatusOf(sub *models.Subscription, now time.Time) SubscriptionStatus {
	if sub == nil {
		return SubscriptionStatus{Tier: models.TierFree}
	}
	status := SubscriptionStatus{
		Tier:      sub.Tier,
		Active:    sub.Active,
		ExpiresAt: sub.ExpiresAt,
	}
	if sub.ExpiresAt != nil {
		remaining := sub.ExpiresAt.Sub(now)
		if remaining <= 0 {
			status.Active = false
		} else {
			status.DaysRemaining = int(math.Ceil(remaining.Hours() / 24))
		}
	}
	return status
}

// GetSubscriptionStatus looks up the status of a wallet
func (g *Gate) GetSubscriptionStatus(ctx context.Context, wallet string) (*SubscriptionStatus, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	sub, err := g.subscriptions.GetSubscription(ctx, wallet)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, store.ErrNotFound) {
		sub = nil
	}
	status := StatusOf(sub, g.now())
	return &status, nil
}

// CheckAccess decides whether operation may run with args
func (g *Gate) CheckAccess(ctx context.Context, operation string, args Args) (*Decision, error) {
	category := Classify(operation)
	log := g.logger.With().Str("operation", operation).Str("category", string(category)).Logger()

	decision, err := g.check(ctx, operation, category, args, log)
	if err != nil {
		metrics.RecordAccessDecision(string(category), "error")
		return nil, err
	}
	result := "denied"
	switch {
	case decision.failOpen:
		result = "fail_open"
	case decision.Allowed:
		result = "allowed"
	}
	metrics.RecordAccessDecision(string(category), result)
	return decision, nil
}

func (g *Gate) check(ctx context.Context, operation string, category Category, args Args, log zerolog.Logger) (*Decision, error) {
	switch category {
	case CategoryFree:
		return &Decision{Allowed: true, Category: category}, nil
	case CategoryUncategorized:
		if g.policy.DenyUncategorized {
			log.Warn().Msg("Denied uncategorized operation")
			return &Decision{Category: category, Reason: fmt.Sprintf("operation %s is not recognised", operation)}, nil
		}
		log.Warn().Msg("Allowed uncategorized operation")
		return &Decision{Allowed: true, Category: category, Reason: "uncategorized operation allowed"}, nil
	}

	wallet := strings.TrimSpace(args.WalletAddress)
	if wallet == "" {
		return &Decision{Category: category, Reason: ReasonMissingWallet, UpgradeURL: g.policy.UpgradeURL}, nil
	}
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	log = log.With().Str("wallet", wallet).Logger()

	sub, err := g.subscriptions.GetSubscription(ctx, wallet)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sub = nil
	case err != nil:
		return g.lookupFailed(category, err, log)
	}

	status := StatusOf(sub, g.now())
	decision := &Decision{Category: category, Subscription: &status}
	if status.Active {
		decision.Allowed = true
		decision.Reason = ReasonSubscription
		return decision, nil
	}

	var balance int64
	if g.credits != nil {
		bal, err := g.credits.GetCreditBalance(ctx, wallet)
		if err != nil {
			return g.lookupFailed(category, err, log)
		}
		balance = bal.Balance
		decision.CreditBalance = &balance
	}
	if g.policy.AllowCreditFallback && balance >= 1 {
		decision.Allowed = true
		decision.Reason = ReasonCredit
		return decision, nil
	}

	decision.UpgradeURL = g.policy.UpgradeURL
	decision.Reason = denyReason(operation, status, balance, g.policy)
	log.Info().Str("tier", status.Tier).Int64("credits", balance).Msg("Denied premium operation")
	return decision, nil
}

func (g *Gate) lookupFailed(category Category, err error, log zerolog.Logger) (*Decision, error) {
	if g.policy.FailOpen {
		log.Error().Err(err).Msg("Access lookup failed, allowing operation")
		return &Decision{Allowed: true, Category: category, Reason: "access check unavailable", failOpen: true}, nil
	}
	log.Error().Err(err).Msg("Access lookup failed, denying operation")
	return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
}

func denyReason(operation string, status SubscriptionStatus, balance int64, policy Policy) string {
	state := "no active subscription"
	switch {
	case status.ExpiresAt != nil && !status.Active && status.Tier != models.TierFree:
		state = fmt.Sprintf("%s subscription expired", status.Tier)
	case status.Tier != models.TierFree:
		state = fmt.Sprintf("%s subscription inactive", status.Tier)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s requires an active subscription", operation)
	if policy.AllowCreditFallback {
		fmt.Fprintf(&b, " or credits (%s, credit balance %d)", state, balance)
	} else {
		fmt.Fprintf(&b, " (%s)", state)
	}
	b.WriteString(". Purchase credits or subscribe")
	if policy.UpgradeURL != "" {
		fmt.Fprintf(&b, " at %s", policy.UpgradeURL)
	}
	return b.String()
}

// Handler is an operation run behind the gate
type Handler func(ctx context.Context) (any, error)

// WithAccessCheck runs handler only when the check allows it. A denial is
// returned as a *DeniedError.
func (g *Gate) WithAccessCheck(ctx context.Context, operation string, args Args, handler Handler) (any, error) {
	decision, err := g.CheckAccess(ctx, operation, args)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &DeniedError{Operation: operation, Decision: decision}
	}
	return handler(ctx)
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/credits"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/reposition"
	"github.com/wnt/rebin/internal/settings"
)

type positionsArgs struct {
	WalletAddress     string `json:"walletAddress"`
	IncludeHistorical *bool  `json:"includeHistorical,omitempty"`
	IncludeLive       *bool  `json:"includeLive,omitempty"`
}

func (r *Registry) getUserPositions(ctx context.Context, raw json.RawMessage) (any, error) {
	var args positionsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	historical, live := true, true
	if args.IncludeHistorical != nil {
		historical = *args.IncludeHistorical
	}
	if args.IncludeLive != nil {
		live = *args.IncludeLive
	}
	return r.deps.Reconciler.GetUserPositions(ctx, args.WalletAddress, historical, live)
}

type analyzeArgs struct {
	PositionAddress string `json:"positionAddress"`
	PoolAddress     string `json:"poolAddress,omitempty"`
	WalletAddress   string `json:"walletAddress,omitempty"`
}

func (r *Registry) analyzeReposition(ctx context.Context, raw json.RawMessage) (any, error) {
	var args analyzeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.WalletAddress != "" {
		return r.deps.Engine.AnalyzeForWallet(ctx, args.WalletAddress, args.PositionAddress, args.PoolAddress)
	}
	return r.deps.Engine.AnalyzePosition(ctx, args.PositionAddress, args.PoolAddress)
}

// prepareArgs carries slippage in basis points and the timestamp in unix
// milliseconds
type prepareArgs struct {
	PositionAddress string               `json:"positionAddress"`
	WalletAddress   string               `json:"walletAddress"`
	PoolAddress     string               `json:"poolAddress,omitempty"`
	Strategy        string               `json:"strategy,omitempty"`
	BinRange        *reposition.BinRange `json:"binRange,omitempty"`
	Slippage        *int                 `json:"slippage,omitempty"`
	WalletSignature string               `json:"walletSignature,omitempty"`
	Timestamp       *int64               `json:"timestamp,omitempty"`
	MaxGasCost      *float64             `json:"maxGasCost,omitempty"`
}

func (a prepareArgs) input() (reposition.PrepareInput, error) {
	in := reposition.PrepareInput{
		PositionAddress: a.PositionAddress,
		WalletAddress:   a.WalletAddress,
		PoolAddress:     a.PoolAddress,
		Strategy:        a.Strategy,
		BinRange:        a.BinRange,
		WalletSignature: a.WalletSignature,
		MaxGasCostSOL:   a.MaxGasCost,
	}
	if a.Slippage != nil {
		if *a.Slippage <= 0 {
			return in, fmt.Errorf("%w: %d", reposition.ErrInvalidSlippage, *a.Slippage)
		}
		in.SlippageBps = *a.Slippage
	}
	if a.Timestamp != nil {
		ts := time.UnixMilli(*a.Timestamp).UTC()
		in.Timestamp = &ts
	}
	return in, nil
}

func (r *Registry) prepareReposition(ctx context.Context, raw json.RawMessage) (any, error) {
	var args prepareArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	in, err := args.input()
	if err != nil {
		return nil, err
	}
	return r.deps.Engine.PrepareTransaction(ctx, in)
}

type autoArgs struct {
	PositionAddress string `json:"positionAddress"`
	WalletAddress   string `json:"walletAddress"`
	PoolAddress     string `json:"poolAddress,omitempty"`
	Slippage        *int   `json:"slippage,omitempty"`
	WalletSignature string `json:"walletSignature,omitempty"`
	Timestamp       *int64 `json:"timestamp,omitempty"`
}

func (r *Registry) executeAutoReposition(ctx context.Context, raw json.RawMessage) (any, error) {
	var args autoArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	in, err := prepareArgs{
		PositionAddress: args.PositionAddress,
		WalletAddress:   args.WalletAddress,
		PoolAddress:     args.PoolAddress,
		Slippage:        args.Slippage,
		WalletSignature: args.WalletSignature,
		Timestamp:       args.Timestamp,
	}.input()
	if err != nil {
		return nil, err
	}
	return r.deps.Engine.PlanAutoReposition(ctx, in)
}

type identityArgs struct {
	WalletAddress  *string `json:"walletAddress,omitempty"`
	TelegramUserID *int64  `json:"telegramUserId,omitempty"`
}

func (a identityArgs) identity() settings.Identity {
	return settings.Identity{WalletAddress: a.WalletAddress, TelegramUserID: a.TelegramUserID}
}

func (r *Registry) getSettings(ctx context.Context, raw json.RawMessage) (any, error) {
	var args identityArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.deps.Settings.Get(ctx, args.identity())
}

type updateSettingsArgs struct {
	identityArgs
	Settings    settings.Patch `json:"settings"`
	UpdatedFrom string         `json:"updatedFrom"`
}

func (r *Registry) updateSettings(ctx context.Context, raw json.RawMessage) (any, error) {
	var args updateSettingsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.UpdatedFrom == "" {
		args.UpdatedFrom = models.SourceWebsite
	}
	return r.deps.Settings.Update(ctx, args.identity(), args.Settings, args.UpdatedFrom)
}

type useCreditsArgs struct {
	WalletAddress     string `json:"walletAddress"`
	Amount            int64  `json:"amount"`
	PositionAddress   string `json:"positionAddress,omitempty"`
	RelatedResourceID string `json:"relatedResourceId,omitempty"`
	Description       string `json:"description,omitempty"`
}

func (r *Registry) useCredits(ctx context.Context, raw json.RawMessage) (any, error) {
	var args useCreditsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.deps.Ledger.UseCredits(ctx, args.WalletAddress, args.Amount, credits.UsageContext{
		PositionAddress:   args.PositionAddress,
		RelatedResourceID: args.RelatedResourceID,
		Description:       args.Description,
	})
}

type purchaseArgs struct {
	WalletAddress    string `json:"walletAddress"`
	Amount           int64  `json:"amount"`
	PaymentReference string `json:"paymentReference,omitempty"`
}

func (r *Registry) purchaseCredits(ctx context.Context, raw json.RawMessage) (any, error) {
	var args purchaseArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.deps.Ledger.PurchaseCredits(ctx, args.WalletAddress, args.Amount, credits.PurchaseContext{
		PaymentReference: args.PaymentReference,
	})
}

type walletArgs struct {
	WalletAddress string `json:"walletAddress"`
}

func (r *Registry) getCreditBalance(ctx context.Context, raw json.RawMessage) (any, error) {
	var args walletArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.deps.Ledger.GetBalance(ctx, args.WalletAddress)
}

type usageArgs struct {
	WalletAddress string `json:"walletAddress"`
	Limit         int    `json:"limit,omitempty"`
}

func (r *Registry) getCreditUsage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args usageArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.deps.Ledger.ListUsage(ctx, args.WalletAddress, args.Limit)
}

func (r *Registry) getSubscriptionStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var args walletArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return r.deps.Gate.GetSubscriptionStatus(ctx, args.WalletAddress)
}

func (r *Registry) getPendingProposals(ctx context.Context, raw json.RawMessage) (any, error) {
	var args walletArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if _, err := chain.ParseAddress(args.WalletAddress); err != nil {
		return nil, err
	}
	if r.deps.Pending == nil {
		return []*reposition.Proposal{}, nil
	}
	return r.deps.Pending.Get(ctx, args.WalletAddress)
}

type historyArgs struct {
	WalletAddress   string `json:"walletAddress"`
	Limit           int    `json:"limit,omitempty"`
	PositionAddress string `json:"positionAddress,omitempty"`
}

type historyResult struct {
	Entries []models.RepositionChainEntry `json:"entries"`
	// Head is the newest position descending from PositionAddress
	Head string `json:"head,omitempty"`
}

func (r *Registry) getHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var args historyArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	entries, err := r.deps.History.GetChain(ctx, args.WalletAddress, args.Limit)
	if err != nil {
		return nil, err
	}
	res := &historyResult{Entries: entries}
	if args.PositionAddress != "" {
		if res.Head, err = r.deps.History.Head(ctx, args.WalletAddress, args.PositionAddress); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *Registry) recordExecution(ctx context.Context, raw json.RawMessage) (any, error) {
	var report credits.ExecutionReport
	if err := decode(raw, &report); err != nil {
		return nil, err
	}
	return r.deps.History.RecordExecution(ctx, report)
}

package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/access"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500

	// ExecutionCost is debited per recorded execution without a subscription
	ExecutionCost = 1

	maxChainHops = 1000
)

var (
	// ErrInvalidEntry is returned for an incomplete reposition entry
	ErrInvalidEntry = errors.New("invalid reposition entry")

	// ErrChainCycle is returned when successors loop back on themselves
	ErrChainCycle = errors.New("reposition chain contains a cycle")
)

// ExecutionReport is a caller's report of a signed and landed reposition
type ExecutionReport struct {
	WalletAddress         string  `json:"walletAddress"`
	OldPositionAddress    string  `json:"oldPositionAddress"`
	NewPositionAddress    string  `json:"newPositionAddress"`
	PoolAddress           string  `json:"poolAddress"`
	Signature             string  `json:"signature"`
	Reason                string  `json:"reason,omitempty"`
	OldLowerBinID         int32   `json:"oldLowerBinId"`
	OldUpperBinID         int32   `json:"oldUpperBinId"`
	NewLowerBinID         int32   `json:"newLowerBinId"`
	NewUpperBinID         int32   `json:"newUpperBinId"`
	DistanceFromRange     int32   `json:"distanceFromRange"`
	LiquidityRecoveredUSD float64 `json:"liquidityRecoveredUsd"`
	FeesCollectedUSD      float64 `json:"feesCollectedUsd"`
	GasCostSOL            float64 `json:"gasCostSol"`
	// ActiveBinID is the pool's active bin when the proposal was built. It
	// is the exit bin of the old position and the entry bin of the new one.
	ActiveBinID      *int32  `json:"activeBinId,omitempty"`
	RecoveredAmountX float64 `json:"recoveredAmountX,omitempty"`
	RecoveredAmountY float64 `json:"recoveredAmountY,omitempty"`
}

// ExecutionResult is what recording an execution did
type ExecutionResult struct {
	Entry     *models.RepositionChainEntry `json:"entry"`
	Duplicate bool                         `json:"duplicate"`
	Charged   bool                         `json:"charged"`
	Balance   *Balance                     `json:"balance,omitempty"`
}

// History records and walks reposition chains
type History struct {
	store  *store.Store
	ledger *Ledger
	now    func() time.Time
	logger zerolog.Logger
}

// NewHistory creates a history over s. Executions are charged through ledger.
func NewHistory(s *store.Store, ledger *Ledger, logger zerolog.Logger) *History {
	return &History{
		store:  s,
		ledger: ledger,
		now:    time.Now,
		logger: logger.With().Str("component", "reposition_history").Logger(),
	}
}

// WithClock replaces the time source used for subscription checks
func (h *History) WithClock(now func() time.Time) *History {
	h.now = now
	return h
}

// RecordReposition appends an entry. Re-recording a signature is a no-op.
func (h *History) RecordReposition(ctx context.Context, entry *models.RepositionChainEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	return h.store.AppendChainEntry(ctx, entry)
}

// GetChain returns a wallet's entries, newest first
func (h *History) GetChain(ctx context.Context, wallet string, limit int) ([]models.RepositionChainEntry, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return h.store.ListChain(ctx, wallet, limit)
}

// Head follows successors from position to the newest position in its chain
func (h *History) Head(ctx context.Context, wallet, position string) (string, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return "", err
	}
	if _, err := chain.ParseAddress(position); err != nil {
		return "", err
	}

	seen := map[string]bool{position: true}
	current := position
	for hop := 0; hop < maxChainHops; hop++ {
		next, err := h.store.FindSuccessor(ctx, wallet, current)
		if errors.Is(err, store.ErrNotFound) {
			return current, nil
		}
		if err != nil {
			return "", err
		}
		if seen[next.NewPositionAddress] {
			return "", fmt.Errorf("%w at %s", ErrChainCycle, next.NewPositionAddress)
		}
		seen[next.NewPositionAddress] = true
		current = next.NewPositionAddress
	}
	return "", fmt.Errorf("%w: more than %d hops from %s", ErrChainCycle, maxChainHops, position)
}

// RecordExecution appends the chain entry for a landed reposition, closes
// the old position record and opens the new one. For wallets without an
// active subscription it also debits ExecutionCost credits. All of it runs
// in one transaction. A wallet that has run out of credits still gets its
// history recorded, uncharged.
func (h *History) RecordExecution(ctx context.Context, report ExecutionReport) (*ExecutionResult, error) {
	entry := &models.RepositionChainEntry{
		WalletAddress:         strings.TrimSpace(report.WalletAddress),
		OldPositionAddress:    strings.TrimSpace(report.OldPositionAddress),
		NewPositionAddress:    strings.TrimSpace(report.NewPositionAddress),
		PoolAddress:           strings.TrimSpace(report.PoolAddress),
		TxSignature:           strings.TrimSpace(report.Signature),
		Reason:                report.Reason,
		OldLowerBinID:         report.OldLowerBinID,
		OldUpperBinID:         report.OldUpperBinID,
		NewLowerBinID:         report.NewLowerBinID,
		NewUpperBinID:         report.NewUpperBinID,
		DistanceFromRange:     report.DistanceFromRange,
		LiquidityRecoveredUSD: report.LiquidityRecoveredUSD,
		FeesCollectedUSD:      report.FeesCollectedUSD,
		GasCostSOL:            report.GasCostSOL,
	}
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	log := h.logger.With().
		Str("wallet", entry.WalletAddress).
		Str("signature", entry.TxSignature).
		Logger()

	result := &ExecutionResult{Entry: entry}
	err := h.store.Transaction(ctx, func(tx *store.Store) error {
		existing, err := tx.FindChainEntryBySignature(ctx, entry.TxSignature)
		if err == nil {
			result.Entry = existing
			result.Duplicate = true
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := tx.AppendChainEntry(ctx, entry); err != nil {
			return err
		}
		if err := h.recordPositions(ctx, tx, report, entry); err != nil {
			return err
		}

		sub, err := tx.GetSubscription(ctx, entry.WalletAddress)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if errors.Is(err, store.ErrNotFound) {
			sub = nil
		}
		if access.StatusOf(sub, h.now()).Active {
			return nil
		}

		bal, err := h.ledger.debit(ctx, tx, entry.WalletAddress, ExecutionCost, UsageContext{
			PositionAddress:   entry.NewPositionAddress,
			RelatedResourceID: entry.TxSignature,
			Description:       "reposition execution",
		})
		if errors.Is(err, ErrInsufficientCredits) {
			log.Warn().Msg("Execution recorded without credits to charge")
			return nil
		}
		if err != nil {
			return err
		}
		result.Charged = true
		result.Balance = bal
		return nil
	})
	if err != nil {
		metrics.RecordCreditOperation("record_execution", "failed")
		log.Error().Err(err).Msg("Failed to record execution")
		return nil, fmt.Errorf("failed to record execution %s: %w", entry.TxSignature, err)
	}

	metrics.RecordCreditOperation("record_execution", "success")
	log.Info().
		Bool("duplicate", result.Duplicate).
		Bool("charged", result.Charged).
		Str("new_position", entry.NewPositionAddress).
		Msg("Execution recorded")
	return result, nil
}

// recordPositions closes the old position record, creating it when the
// opening was never observed, and opens the record of the new position
func (h *History) recordPositions(ctx context.Context, tx *store.Store, report ExecutionReport, entry *models.RepositionChainEntry) error {
	now := h.now().UTC()

	old, err := tx.GetPosition(ctx, entry.OldPositionAddress)
	switch {
	case errors.Is(err, store.ErrNotFound):
		old = &models.PositionRecord{
			PositionAddress: entry.OldPositionAddress,
			PoolAddress:     entry.PoolAddress,
			Owner:           entry.WalletAddress,
			LowerBinID:      entry.OldLowerBinID,
			UpperBinID:      entry.OldUpperBinID,
		}
	case err != nil:
		return err
	}
	if !old.IsClosed() {
		closeRecord(old, report, now)
		if err := tx.SavePosition(ctx, old); err != nil {
			return err
		}
	}

	_, err = tx.GetPosition(ctx, entry.NewPositionAddress)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return tx.SavePosition(ctx, &models.PositionRecord{
		PositionAddress: entry.NewPositionAddress,
		PoolAddress:     entry.PoolAddress,
		Owner:           entry.WalletAddress,
		EntryBinID:      report.ActiveBinID,
		LowerBinID:      entry.NewLowerBinID,
		UpperBinID:      entry.NewUpperBinID,
		EntryAmountX:    report.RecoveredAmountX,
		EntryAmountY:    report.RecoveredAmountY,
		EntryValueUSD:   report.LiquidityRecoveredUSD,
		Status:          models.PositionStatusActive,
		OpenedAt:        now,
	})
}

func closeRecord(rec *models.PositionRecord, report ExecutionReport, now time.Time) {
	if report.OldLowerBinID != 0 || report.OldUpperBinID != 0 {
		rec.LowerBinID = report.OldLowerBinID
		rec.UpperBinID = report.OldUpperBinID
	}
	rec.ExitBinID = report.ActiveBinID
	rec.ExitAmountX = report.RecoveredAmountX
	rec.ExitAmountY = report.RecoveredAmountY
	rec.ExitValueUSD = report.LiquidityRecoveredUSD
	rec.FeesClaimedUSD += report.FeesCollectedUSD
	if rec.EntryValueUSD > 0 {
		rec.RealizedPnLUSD = rec.ExitValueUSD + rec.FeesClaimedUSD - rec.EntryValueUSD - rec.GasCostUSD
	}
	rec.Status = models.PositionStatusClosed
	rec.ClosedAt = &now
}

func validateEntry(entry *models.RepositionChainEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: missing", ErrInvalidEntry)
	}
	for _, addr := range []string{entry.WalletAddress, entry.OldPositionAddress, entry.NewPositionAddress, entry.PoolAddress} {
		if _, err := chain.ParseAddress(addr); err != nil {
			return err
		}
	}
	if entry.OldPositionAddress == entry.NewPositionAddress {
		return fmt.Errorf("%w: old and new position are the same", ErrInvalidEntry)
	}
	if strings.TrimSpace(entry.TxSignature) == "" {
		return fmt.Errorf("%w: missing transaction signature", ErrInvalidEntry)
	}
	return nil
}

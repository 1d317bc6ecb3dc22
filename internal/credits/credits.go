// Package credits implements the per-wallet credit ledger and the
// reposition history chain.
package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/store"
)

var (
	// ErrInvalidAmount is returned for a non-positive credit amount
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrInsufficientCredits is returned when a debit exceeds the balance
	ErrInsufficientCredits = store.ErrInsufficientCredits

	// ErrReferenceUsed is returned when a payment reference belongs to another wallet
	ErrReferenceUsed = errors.New("payment reference already used")

	// ErrPaymentUnverified is returned when a purchase has no settled payment behind it
	ErrPaymentUnverified = errors.New("payment not verified")
)

// Settlement confirms that a payment covering a credit purchase has settled
type Settlement interface {
	// VerifyPayment returns an error wrapping ErrPaymentUnverified when
	// reference does not prove that wallet paid for amount credits
	VerifyPayment(ctx context.Context, wallet, reference string, amount int64) error
}

// Balance is the caller-facing view of a credit account
type Balance struct {
	WalletAddress  string `json:"walletAddress"`
	Balance        int64  `json:"balance"`
	TotalPurchased int64  `json:"totalPurchased"`
	TotalUsed      int64  `json:"totalUsed"`
}

// UsageContext describes what a debit paid for
type UsageContext struct {
	PositionAddress   string
	RelatedResourceID string
	Description       string
}

// PurchaseContext describes where purchased credits came from
type PurchaseContext struct {
	// PaymentReference is usually the payment transaction signature
	PaymentReference string
}

// Usage is the caller-facing view of one debit
type Usage struct {
	ID                string    `json:"id"`
	Amount            int64     `json:"amount"`
	PositionAddress   string    `json:"positionAddress,omitempty"`
	RelatedResourceID string    `json:"relatedResourceId,omitempty"`
	Description       string    `json:"description,omitempty"`
	BalanceAfter      int64     `json:"balanceAfter"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Ledger debits and credits wallet accounts. Purchases are accepted only
// once a Settlement has verified the payment.
type Ledger struct {
	store      *store.Store
	settlement Settlement
	logger     zerolog.Logger
}

// NewLedger creates a ledger over s
func NewLedger(s *store.Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  s,
		logger: logger.With().Str("component", "credit_ledger").Logger(),
	}
}

// WithSettlement sets the payment verifier. Without one every purchase is
// rejected.
func (l *Ledger) WithSettlement(s Settlement) *Ledger {
	l.settlement = s
	return l
}

// GetBalance returns a wallet's balance. Unknown wallets have zero credits.
func (l *Ledger) GetBalance(ctx context.Context, wallet string) (*Balance, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	bal, err := l.store.GetCreditBalance(ctx, wallet)
	if err != nil {
		metrics.RecordCreditOperation("balance", "failed")
		return nil, err
	}
	metrics.RecordCreditOperation("balance", "success")
	return toBalance(bal), nil
}

// ListUsage returns a wallet's debits, newest first
func (l *Ledger) ListUsage(ctx context.Context, wallet string, limit int) ([]Usage, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	rows, err := l.store.ListCreditUsage(ctx, wallet, limit)
	if err != nil {
		return nil, err
	}
	usage := make([]Usage, len(rows))
	for i, row := range rows {
		usage[i] = Usage{
			ID:                row.ID,
			Amount:            row.Amount,
			PositionAddress:   row.PositionAddress,
			RelatedResourceID: row.RelatedResourceID,
			Description:       row.Description,
			BalanceAfter:      row.BalanceAfter,
			CreatedAt:         row.CreatedAt,
		}
	}
	return usage, nil
}

// UseCredits debits amount credits. A debit larger than the balance fails
// with ErrInsufficientCredits and leaves the account unchanged.
func (l *Ledger) UseCredits(ctx context.Context, wallet string, amount int64, usage UsageContext) (*Balance, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	return l.debit(ctx, l.store, wallet, amount, usage)
}

func (l *Ledger) debit(ctx context.Context, s *store.Store, wallet string, amount int64, usage UsageContext) (*Balance, error) {
	log := l.logger.With().Str("wallet", wallet).Int64("amount", amount).Logger()

	bal, err := s.DebitCredits(ctx, &models.CreditUsage{
		WalletAddress:     wallet,
		Amount:            amount,
		PositionAddress:   usage.PositionAddress,
		RelatedResourceID: usage.RelatedResourceID,
		Description:       usage.Description,
	})
	if errors.Is(err, store.ErrInsufficientCredits) {
		metrics.RecordCreditOperation("use", "insufficient")
		current, lookupErr := s.GetCreditBalance(ctx, wallet)
		if lookupErr != nil {
			return nil, err
		}
		log.Info().Int64("balance", current.Balance).Msg("Debit rejected")
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientCredits, current.Balance, amount)
	}
	if err != nil {
		metrics.RecordCreditOperation("use", "failed")
		log.Error().Err(err).Msg("Failed to debit credits")
		return nil, err
	}

	metrics.RecordCreditOperation("use", "success")
	log.Debug().Int64("balance", bal.Balance).Msg("Credits used")
	return toBalance(bal), nil
}

// PurchaseCredits adds amount credits once the settlement has verified the
// payment named by the reference. Repeating a payment reference returns the
// current balance without adding again.
func (l *Ledger) PurchaseCredits(ctx context.Context, wallet string, amount int64, purchase PurchaseContext) (*Balance, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	log := l.logger.With().Str("wallet", wallet).Int64("amount", amount).Logger()

	ref := strings.TrimSpace(purchase.PaymentReference)
	switch {
	case ref == "":
		metrics.RecordCreditOperation("purchase", "unverified")
		return nil, fmt.Errorf("%w: payment reference required", ErrPaymentUnverified)
	case l.settlement == nil:
		metrics.RecordCreditOperation("purchase", "unverified")
		log.Warn().Msg("Purchase rejected, no payment settlement configured")
		return nil, fmt.Errorf("%w: payment settlement is not configured", ErrPaymentUnverified)
	}
	if err := l.settlement.VerifyPayment(ctx, wallet, ref, amount); err != nil {
		metrics.RecordCreditOperation("purchase", "unverified")
		log.Warn().Err(err).Str("reference", ref).Msg("Payment verification failed")
		return nil, err
	}

	row := &models.CreditPurchase{WalletAddress: wallet, Amount: amount, PaymentReference: &ref}
	bal, err := l.store.PurchaseCredits(ctx, row)
	if err != nil {
		metrics.RecordCreditOperation("purchase", "failed")
		log.Error().Err(err).Msg("Failed to purchase credits")
		return nil, err
	}
	if row.WalletAddress != wallet {
		metrics.RecordCreditOperation("purchase", "rejected")
		return nil, fmt.Errorf("%w: %s", ErrReferenceUsed, purchase.PaymentReference)
	}

	metrics.RecordCreditOperation("purchase", "success")
	log.Info().Str("reference", ref).Int64("balance", bal.Balance).Msg("Credits purchased")
	return toBalance(bal), nil
}

func toBalance(b *models.CreditBalance) *Balance {
	return &Balance{
		WalletAddress:  b.WalletAddress,
		Balance:        b.Balance,
		TotalPurchased: b.TotalPurchased,
		TotalUsed:      b.TotalUsed,
	}
}

package credits

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/database"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/store"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

var (
	now      = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testPool = solana.NewWallet().PublicKey().String()
)

// settled accepts every payment except the rejected references
type settled struct {
	rejected map[string]bool
	err      error
}

func (p settled) VerifyPayment(_ context.Context, _, reference string, _ int64) error {
	if p.err != nil {
		return p.err
	}
	if p.rejected[reference] {
		return fmt.Errorf("%w: %s", ErrPaymentUnverified, reference)
	}
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *History, *store.Store) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := store.New(db)
	ledger := NewLedger(s, zerolog.Nop()).WithSettlement(settled{})
	history := NewHistory(s, ledger, zerolog.Nop()).WithClock(func() time.Time { return now })
	return ledger, history, s
}

func newPosition() string {
	return solana.NewWallet().PublicKey().String()
}

func TestPurchaseThenUse(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger(t)

	bal, err := ledger.PurchaseCredits(ctx, testWallet, 10, PurchaseContext{PaymentReference: "sig-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Balance)

	bal, err = ledger.UseCredits(ctx, testWallet, 10, UsageContext{Description: "analysis"})
	require.NoError(t, err)
	assert.Equal(t, &Balance{WalletAddress: testWallet, Balance: 0, TotalPurchased: 10, TotalUsed: 10}, bal)
}

func TestUseCreditsInsufficient(t *testing.T) {
	ctx := context.Background()
	ledger, _, s := newTestLedger(t)

	_, err := ledger.PurchaseCredits(ctx, testWallet, 3, PurchaseContext{PaymentReference: "sig-c"})
	require.NoError(t, err)

	_, err = ledger.UseCredits(ctx, testWallet, 5, UsageContext{})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Contains(t, err.Error(), "balance 3, requested 5")

	bal, err := ledger.GetBalance(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal.Balance)
	assert.Equal(t, int64(0), bal.TotalUsed)

	rows, err := s.ListCreditUsage(ctx, testWallet, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUseCreditsRecordsContext(t *testing.T) {
	ctx := context.Background()
	ledger, _, s := newTestLedger(t)
	position := newPosition()

	_, err := ledger.PurchaseCredits(ctx, testWallet, 2, PurchaseContext{PaymentReference: "sig-d"})
	require.NoError(t, err)
	_, err = ledger.UseCredits(ctx, testWallet, 1, UsageContext{PositionAddress: position, RelatedResourceID: "job-7", Description: "reposition"})
	require.NoError(t, err)

	rows, err := s.ListCreditUsage(ctx, testWallet, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, position, rows[0].PositionAddress)
	assert.Equal(t, "job-7", rows[0].RelatedResourceID)
	assert.Equal(t, int64(1), rows[0].BalanceAfter)
}

func TestLedgerValidation(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.UseCredits(ctx, testWallet, 0, UsageContext{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.PurchaseCredits(ctx, testWallet, -1, PurchaseContext{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.GetBalance(ctx, "not-a-wallet")
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func TestPurchaseIdempotentReference(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.PurchaseCredits(ctx, testWallet, 5, PurchaseContext{PaymentReference: "sig-b"})
	require.NoError(t, err)
	bal, err := ledger.PurchaseCredits(ctx, testWallet, 5, PurchaseContext{PaymentReference: "sig-b"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Balance)
	assert.Equal(t, int64(5), bal.TotalPurchased)

	_, err = ledger.PurchaseCredits(ctx, newPosition(), 5, PurchaseContext{PaymentReference: "sig-b"})
	assert.ErrorIs(t, err, ErrReferenceUsed)
}

func TestPurchaseRequiresVerifiedPayment(t *testing.T) {
	ctx := context.Background()
	_, _, s := newTestLedger(t)

	tests := []struct {
		name       string
		settlement Settlement
		reference  string
		unverified bool
	}{
		{name: "no reference", settlement: settled{}, reference: " ", unverified: true},
		{name: "no settlement", reference: "sig-g", unverified: true},
		{name: "payment rejected", settlement: settled{rejected: map[string]bool{"sig-h": true}}, reference: "sig-h", unverified: true},
		{name: "settlement unavailable", settlement: settled{err: errors.New("rpc unavailable")}, reference: "sig-i"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewLedger(s, zerolog.Nop())
			if tt.settlement != nil {
				ledger.WithSettlement(tt.settlement)
			}
			_, err := ledger.PurchaseCredits(ctx, testWallet, 1000, PurchaseContext{PaymentReference: tt.reference})
			require.Error(t, err)
			if tt.unverified {
				assert.ErrorIs(t, err, ErrPaymentUnverified)
			}

			bal, err := ledger.GetBalance(ctx, testWallet)
			require.NoError(t, err)
			assert.Zero(t, bal.Balance)
			assert.Zero(t, bal.TotalPurchased)
		})
	}
}

func TestListUsage(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger(t)
	position := newPosition()

	_, err := ledger.PurchaseCredits(ctx, testWallet, 5, PurchaseContext{PaymentReference: "sig-j"})
	require.NoError(t, err)
	_, err = ledger.UseCredits(ctx, testWallet, 1, UsageContext{Description: "analysis"})
	require.NoError(t, err)
	_, err = ledger.UseCredits(ctx, testWallet, 2, UsageContext{PositionAddress: position, Description: "reposition"})
	require.NoError(t, err)

	usage, err := ledger.ListUsage(ctx, testWallet, 0)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{usage[0].Amount, usage[1].Amount})
	assert.ElementsMatch(t, []int64{4, 2}, []int64{usage[0].BalanceAfter, usage[1].BalanceAfter})

	usage, err = ledger.ListUsage(ctx, testWallet, 1)
	require.NoError(t, err)
	assert.Len(t, usage, 1)

	_, err = ledger.ListUsage(ctx, "not-a-wallet", 0)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func TestGetBalanceUnknownWallet(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	bal, err := ledger.GetBalance(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, &Balance{WalletAddress: testWallet}, bal)
}

func TestHistoryHead(t *testing.T) {
	ctx := context.Background()
	_, history, _ := newTestLedger(t)
	p1, p2, p3 := newPosition(), newPosition(), newPosition()

	require.NoError(t, history.RecordReposition(ctx, &models.RepositionChainEntry{
		WalletAddress: testWallet, OldPositionAddress: p1, NewPositionAddress: p2, PoolAddress: testPool, TxSignature: "s1", CreatedAt: now,
	}))
	require.NoError(t, history.RecordReposition(ctx, &models.RepositionChainEntry{
		WalletAddress: testWallet, OldPositionAddress: p2, NewPositionAddress: p3, PoolAddress: testPool, TxSignature: "s2", CreatedAt: now.Add(time.Minute),
	}))

	head, err := history.Head(ctx, testWallet, p1)
	require.NoError(t, err)
	assert.Equal(t, p3, head)

	head, err = history.Head(ctx, testWallet, p3)
	require.NoError(t, err)
	assert.Equal(t, p3, head)

	entries, err := history.GetChain(ctx, testWallet, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, p3, entries[0].NewPositionAddress)

	entries, err = history.GetChain(ctx, testWallet, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHistoryHeadCycle(t *testing.T) {
	ctx := context.Background()
	_, history, _ := newTestLedger(t)
	p1, p2 := newPosition(), newPosition()

	require.NoError(t, history.RecordReposition(ctx, &models.RepositionChainEntry{
		WalletAddress: testWallet, OldPositionAddress: p1, NewPositionAddress: p2, PoolAddress: testPool, TxSignature: "s1",
	}))
	require.NoError(t, history.RecordReposition(ctx, &models.RepositionChainEntry{
		WalletAddress: testWallet, OldPositionAddress: p2, NewPositionAddress: p1, PoolAddress: testPool, TxSignature: "s2",
	}))

	_, err := history.Head(ctx, testWallet, p1)
	assert.ErrorIs(t, err, ErrChainCycle)
}

func TestRecordRepositionValidation(t *testing.T) {
	ctx := context.Background()
	_, history, _ := newTestLedger(t)
	p1 := newPosition()

	err := history.RecordReposition(ctx, &models.RepositionChainEntry{
		WalletAddress: testWallet, OldPositionAddress: p1, NewPositionAddress: p1, PoolAddress: testPool, TxSignature: "s1",
	})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	err = history.RecordReposition(ctx, &models.RepositionChainEntry{
		WalletAddress: testWallet, OldPositionAddress: p1, NewPositionAddress: newPosition(), PoolAddress: testPool,
	})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	err = history.RecordReposition(ctx, &models.RepositionChainEntry{
		WalletAddress: testWallet, OldPositionAddress: "bad", NewPositionAddress: p1, PoolAddress: testPool, TxSignature: "s1",
	})
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func executionReport(signature string) ExecutionReport {
	return ExecutionReport{
		WalletAddress:      testWallet,
		OldPositionAddress: newPosition(),
		NewPositionAddress: newPosition(),
		PoolAddress:        testPool,
		Signature:          signature,
		Reason:             "out of range",
		NewLowerBinID:      150,
		NewUpperBinID:      170,
		DistanceFromRange:  50,
	}
}

func TestRecordExecutionChargesWithoutSubscription(t *testing.T) {
	ctx := context.Background()
	ledger, history, s := newTestLedger(t)

	_, err := ledger.PurchaseCredits(ctx, testWallet, 2, PurchaseContext{PaymentReference: "sig-e"})
	require.NoError(t, err)

	report := executionReport("exec-1")
	res, err := history.RecordExecution(ctx, report)
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Balance)
	assert.Equal(t, int64(1), res.Balance.Balance)

	rows, err := s.ListCreditUsage(ctx, testWallet, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, report.NewPositionAddress, rows[0].PositionAddress)
	assert.Equal(t, "exec-1", rows[0].RelatedResourceID)

	again, err := history.RecordExecution(ctx, report)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.Charged)

	bal, err := ledger.GetBalance(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Balance)
}

func TestRecordExecutionSubscriberNotCharged(t *testing.T) {
	ctx := context.Background()
	ledger, history, s := newTestLedger(t)

	expires := now.Add(72 * time.Hour)
	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{WalletAddress: testWallet, Tier: models.TierPro, Active: true, ExpiresAt: &expires}))
	_, err := ledger.PurchaseCredits(ctx, testWallet, 2, PurchaseContext{PaymentReference: "sig-f"})
	require.NoError(t, err)

	res, err := history.RecordExecution(ctx, executionReport("exec-2"))
	require.NoError(t, err)
	assert.False(t, res.Charged)

	bal, err := ledger.GetBalance(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal.Balance)
}

func TestRecordExecutionWithoutCredits(t *testing.T) {
	ctx := context.Background()
	_, history, s := newTestLedger(t)

	report := executionReport("exec-3")
	res, err := history.RecordExecution(ctx, report)
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.NotZero(t, res.Entry.ID)

	entry, err := s.FindChainEntryBySignature(ctx, "exec-3")
	require.NoError(t, err)
	assert.Equal(t, report.NewPositionAddress, entry.NewPositionAddress)
	assert.Equal(t, int32(150), entry.NewLowerBinID)
}

func TestRecordExecutionMovesPositionRecords(t *testing.T) {
	ctx := context.Background()
	_, history, s := newTestLedger(t)

	report := executionReport("exec-4")
	entryBin := int32(100)
	require.NoError(t, s.SavePosition(ctx, &models.PositionRecord{
		PositionAddress: report.OldPositionAddress,
		PoolAddress:     testPool,
		Owner:           testWallet,
		EntryBinID:      &entryBin,
		LowerBinID:      90,
		UpperBinID:      110,
		EntryValueUSD:   500,
		Status:          models.PositionStatusActive,
		OpenedAt:        now.Add(-24 * time.Hour),
	}))
	active := int32(160)
	report.ActiveBinID = &active
	report.LiquidityRecoveredUSD = 540
	report.FeesCollectedUSD = 12
	report.RecoveredAmountY = 540

	_, err := history.RecordExecution(ctx, report)
	require.NoError(t, err)

	old, err := s.GetPosition(ctx, report.OldPositionAddress)
	require.NoError(t, err)
	assert.Equal(t, models.PositionStatusClosed, old.Status)
	require.NotNil(t, old.ExitBinID)
	assert.Equal(t, active, *old.ExitBinID)
	assert.Equal(t, 540.0, old.ExitValueUSD)
	assert.Equal(t, 12.0, old.FeesClaimedUSD)
	assert.Equal(t, 52.0, old.RealizedPnLUSD)
	require.NotNil(t, old.ClosedAt)
	assert.Equal(t, now, old.ClosedAt.UTC())

	moved, err := s.GetPosition(ctx, report.NewPositionAddress)
	require.NoError(t, err)
	assert.Equal(t, models.PositionStatusActive, moved.Status)
	require.NotNil(t, moved.EntryBinID)
	assert.Equal(t, active, *moved.EntryBinID)
	assert.Equal(t, int32(150), moved.LowerBinID)
	assert.Equal(t, int32(170), moved.UpperBinID)
	assert.Equal(t, 540.0, moved.EntryValueUSD)

	// a repeated report leaves both records as they are
	again := report
	again.LiquidityRecoveredUSD = 1
	res, err := history.RecordExecution(ctx, again)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	old, err = s.GetPosition(ctx, report.OldPositionAddress)
	require.NoError(t, err)
	assert.Equal(t, 540.0, old.ExitValueUSD)
}

func TestRecordExecutionUnknownOldPosition(t *testing.T) {
	ctx := context.Background()
	_, history, s := newTestLedger(t)

	report := executionReport("exec-5")
	report.OldLowerBinID = 90
	report.OldUpperBinID = 110

	_, err := history.RecordExecution(ctx, report)
	require.NoError(t, err)

	old, err := s.GetPosition(ctx, report.OldPositionAddress)
	require.NoError(t, err)
	assert.Equal(t, models.PositionStatusClosed, old.Status)
	assert.Equal(t, testWallet, old.Owner)
	assert.Equal(t, int32(90), old.LowerBinID)
	assert.Nil(t, old.ExitBinID)

	moved, err := s.GetPosition(ctx, report.NewPositionAddress)
	require.NoError(t, err)
	assert.Nil(t, moved.EntryBinID)
}

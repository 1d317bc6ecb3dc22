package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/rebin/internal/database"
	"github.com/wnt/rebin/internal/models"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	return New(db)
}

func int32Ptr(v int32) *int32 { return &v }

func TestSavePositionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := &models.PositionRecord{
		PositionAddress: "pos1",
		PoolAddress:     "pool1",
		Owner:           testWallet,
		EntryBinID:      int32Ptr(95),
		LowerBinID:      85,
		UpperBinID:      105,
		EntryValueUSD:   1000,
		Status:          models.PositionStatusActive,
		OpenedAt:        time.Now().UTC(),
	}
	require.NoError(t, s.SavePosition(ctx, rec))

	got, err := s.GetPosition(ctx, "pos1")
	require.NoError(t, err)
	assert.Equal(t, int32(95), *got.EntryBinID)

	closedAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got.Status = models.PositionStatusClosed
	got.ExitBinID = int32Ptr(80)
	got.ExitValueUSD = 1100
	got.ClosedAt = &closedAt
	require.NoError(t, s.SavePosition(ctx, got))

	t.Run("identical re-close is accepted", func(t *testing.T) {
		again := *got
		again.ID = 0
		assert.NoError(t, s.SavePosition(ctx, &again))
	})

	t.Run("changing a closed record is rejected", func(t *testing.T) {
		changed := *got
		changed.ExitValueUSD = 5000
		err := s.SavePosition(ctx, &changed)
		assert.ErrorIs(t, err, ErrImmutable)

		stored, err := s.GetPosition(ctx, "pos1")
		require.NoError(t, err)
		assert.Equal(t, 1100.0, stored.ExitValueUSD)
	})

	recs, err := s.ListPositionsByOwner(ctx, testWallet)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = s.GetPosition(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreditsPurchaseAndDebit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bal, err := s.GetCreditBalance(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Balance)

	ref := "sig-1"
	bal, err = s.PurchaseCredits(ctx, &models.CreditPurchase{WalletAddress: testWallet, Amount: 5, PaymentReference: &ref})
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Balance)
	assert.Equal(t, int64(5), bal.TotalPurchased)

	// duplicate payment reference is idempotent
	bal, err = s.PurchaseCredits(ctx, &models.CreditPurchase{WalletAddress: testWallet, Amount: 5, PaymentReference: &ref})
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Balance)

	_, err = s.DebitCredits(ctx, &models.CreditUsage{WalletAddress: testWallet, Amount: 7})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	bal, err = s.GetCreditBalance(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Balance)
	assert.Equal(t, int64(0), bal.TotalUsed)

	usage := &models.CreditUsage{WalletAddress: testWallet, Amount: 5, PositionAddress: "pos1"}
	bal, err = s.DebitCredits(ctx, usage)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Balance)
	assert.Equal(t, int64(5), bal.TotalPurchased)
	assert.Equal(t, int64(5), bal.TotalUsed)
	assert.Equal(t, int64(0), usage.BalanceAfter)
	assert.NotEmpty(t, usage.ID)

	rows, err := s.ListCreditUsage(ctx, testWallet, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestDebitCreditsConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.PurchaseCredits(ctx, &models.CreditPurchase{WalletAddress: testWallet, Amount: 3})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DebitCredits(ctx, &models.CreditUsage{WalletAddress: testWallet, Amount: 1}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	bal, err := s.GetCreditBalance(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Balance)
	assert.Equal(t, bal.TotalPurchased-bal.TotalUsed, bal.Balance)
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []*models.RepositionChainEntry{
		{WalletAddress: testWallet, OldPositionAddress: "p1", NewPositionAddress: "p2", PoolAddress: "pool", TxSignature: "s1", CreatedAt: base},
		{WalletAddress: testWallet, OldPositionAddress: "p2", NewPositionAddress: "p3", PoolAddress: "pool", TxSignature: "s2", CreatedAt: base.Add(time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendChainEntry(ctx, e))
	}

	dup := &models.RepositionChainEntry{WalletAddress: testWallet, OldPositionAddress: "x", NewPositionAddress: "y", PoolAddress: "pool", TxSignature: "s1"}
	require.NoError(t, s.AppendChainEntry(ctx, dup))
	assert.Equal(t, "p1", dup.OldPositionAddress)

	list, err := s.ListChain(ctx, testWallet, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p3", list[0].NewPositionAddress)

	next, err := s.FindSuccessor(ctx, testWallet, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p3", next.NewPositionAddress)

	_, err = s.FindSuccessor(ctx, testWallet, "p3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	wallet := testWallet
	_, err := s.FindSettings(ctx, &wallet, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	settings := &models.RepositionSettings{WalletAddress: &wallet, AutoRepositionEnabled: true, AllowedStrategies: models.AllStrategies}
	require.NoError(t, s.CreateSettings(ctx, settings))

	got, err := s.FindSettings(ctx, &wallet, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AllStrategies, got.AllowedStrategies)

	wallets, err := s.ListAutoRepositionWallets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{wallet}, wallets)

	expires := time.Now().UTC().Add(24 * time.Hour)
	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{WalletAddress: wallet, Tier: models.TierPro, Active: true, ExpiresAt: &expires}))
	require.NoError(t, s.UpsertSubscription(ctx, &models.Subscription{WalletAddress: wallet, Tier: models.TierEnterprise, Active: true, ExpiresAt: &expires}))

	sub, err := s.GetSubscription(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, models.TierEnterprise, sub.Tier)
}

func TestLinkUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	user, err := s.LinkUser(ctx, testWallet, nil)
	require.NoError(t, err)
	assert.Nil(t, user.TelegramUserID)

	tg := int64(42)
	user, err = s.LinkUser(ctx, testWallet, &tg)
	require.NoError(t, err)
	require.NotNil(t, user.TelegramUserID)

	found, err := s.FindUserByTelegramID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, testWallet, found.WalletAddress)
}

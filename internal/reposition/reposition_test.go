package reposition

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/chain/chaintest"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/price"
	"github.com/wnt/rebin/internal/retry"
	"github.com/wnt/rebin/internal/settings"
	"github.com/wnt/rebin/internal/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakePositions map[string]*models.PositionRecord

func (f fakePositions) GetPosition(_ context.Context, address string) (*models.PositionRecord, error) {
	rec, ok := f[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

type fakePrices struct{}

func (fakePrices) FetchPrices(_ context.Context, _ price.Pair, _ int, _ *float64) (*price.Prices, error) {
	return &price.Prices{PriceA: 150, PriceB: 1, Source: "fake"}, nil
}

type fakeSettings struct {
	prefs *models.RepositionSettings
}

func (f fakeSettings) Get(_ context.Context, id settings.Identity) (*models.RepositionSettings, error) {
	if f.prefs != nil {
		return f.prefs, nil
	}
	return settings.Defaults(id, models.SourceWebsite), nil
}

type fixture struct {
	ledger    *chaintest.Ledger
	pool      chaintest.Pool
	position  solana.PublicKey
	wallet    solana.PublicKey
	positions fakePositions
	engine    *Engine
}

func newFixture(t *testing.T, active int32, prefs *models.RepositionSettings) *fixture {
	t.Helper()
	ledger := chaintest.NewLedger()
	quoter := chaintest.NewQuoter()
	wallet := solana.NewWallet().PublicKey()
	pool := ledger.AddPool(active, 25)
	pos := ledger.AddPosition(pool, wallet, 90, 110)
	quoter.Prices[pool.Address.String()] = 150
	quoter.Positions[pos.String()] = &chain.PositionQuote{AmountX: 2, AmountY: 300, PendingFeesUSD: 8, HasPendingFees: true}

	reader := chain.NewReader(ledger, quoter, zerolog.Nop()).WithSleep(retry.NoSleep)
	positions := fakePositions{}
	engine := New(reader, positions, fakePrices{}, fakeSettings{prefs: prefs}, Options{}, zerolog.Nop()).
		WithClock(func() time.Time { return testNow })

	return &fixture{
		ledger:    ledger,
		pool:      pool,
		position:  pos,
		wallet:    wallet,
		positions: positions,
		engine:    engine,
	}
}

func entryBin(v int32) *int32 { return &v }

func TestAnalyzeActiveAtEntry(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.positions[f.position.String()] = &models.PositionRecord{
		PositionAddress: f.position.String(),
		PoolAddress:     f.pool.Address.String(),
		EntryBinID:      entryBin(100),
	}

	rec, err := f.engine.AnalyzePosition(context.Background(), f.position.String(), "")
	require.NoError(t, err)
	assert.False(t, rec.ShouldReposition)
	assert.Equal(t, UrgencyNone, rec.Urgency)
	assert.Equal(t, int32(0), rec.DistanceFromRange)
	assert.Equal(t, int32(10), rec.Tolerance)
	require.NotNil(t, rec.PendingFeesUSD)
	assert.Equal(t, 8.0, *rec.PendingFeesUSD)
	assert.Equal(t, testNow, rec.Timestamp)
}

func TestAnalyzeFarOutsideRange(t *testing.T) {
	f := newFixture(t, 160, nil)

	rec, err := f.engine.AnalyzePosition(context.Background(), f.position.String(), f.pool.Address.String())
	require.NoError(t, err)
	assert.True(t, rec.ShouldReposition)
	assert.Equal(t, models.UrgencyHigh, rec.Urgency)
	assert.Equal(t, models.StrategyOneSidedY, rec.Strategy)
	assert.Equal(t, int32(50), rec.DistanceFromRange)
	assert.Equal(t, BinRange{Lower: 150, Upper: 170}, rec.NewRange)
	assert.InDelta(t, 0.000035, rec.EstimatedGasSOL, 1e-12)
}

func TestAnalyzeUrgencyBands(t *testing.T) {
	tests := []struct {
		active   int32
		urgency  string
		strategy string
	}{
		{105, UrgencyNone, models.StrategyBalanced},
		{113, models.UrgencyLow, models.StrategyOneSidedY},
		{118, models.UrgencyMedium, models.StrategyOneSidedY},
		{70, models.UrgencyHigh, models.StrategyOneSidedX},
	}
	for _, tt := range tests {
		t.Run(tt.urgency, func(t *testing.T) {
			f := newFixture(t, tt.active, nil)
			rec, err := f.engine.AnalyzePosition(context.Background(), f.position.String(), "")
			require.NoError(t, err)
			assert.Equal(t, tt.urgency, rec.Urgency)
			assert.Equal(t, tt.strategy, rec.Strategy)
		})
	}
}

func TestAnalyzeErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, nil)

	_, err := f.engine.AnalyzePosition(ctx, "nope", "")
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)

	other := solana.NewWallet().PublicKey().String()
	_, err = f.engine.AnalyzePosition(ctx, f.position.String(), other)
	assert.ErrorIs(t, err, ErrPoolMismatch)

	_, err = f.engine.AnalyzePosition(ctx, solana.NewWallet().PublicKey().String(), "")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestAnalyzeFallsBackToDatabaseRange(t *testing.T) {
	f := newFixture(t, 140, nil)
	f.ledger.Delete(f.position)
	f.positions[f.position.String()] = &models.PositionRecord{
		PositionAddress: f.position.String(),
		PoolAddress:     f.pool.Address.String(),
		LowerBinID:      120,
		UpperBinID:      140,
		EntryBinID:      entryBin(130),
	}

	rec, err := f.engine.AnalyzePosition(context.Background(), f.position.String(), "")
	require.NoError(t, err)
	assert.Equal(t, BinRange{Lower: 120, Upper: 140}, rec.CurrentRange)
	assert.Equal(t, int32(130), rec.ReferenceBinID)
	assert.Equal(t, UrgencyNone, rec.Urgency)
	assert.Nil(t, rec.PendingFeesUSD)
}

func TestAnalyzeForWalletAppliesSettings(t *testing.T) {
	prefs := settings.Defaults(settings.Identity{}, models.SourceWebsite)
	prefs.AllowedStrategies = []string{models.StrategyBalanced}
	f := newFixture(t, 160, prefs)

	rec, err := f.engine.AnalyzeForWallet(context.Background(), f.wallet.String(), f.position.String(), "")
	require.NoError(t, err)
	assert.False(t, rec.ShouldReposition)
	assert.Contains(t, rec.Reasons[len(rec.Reasons)-1], "not allowed")

	prefs = settings.Defaults(settings.Identity{}, models.SourceWebsite)
	prefs.UrgencyThreshold = models.UrgencyHigh
	f = newFixture(t, 113, prefs)
	rec, err = f.engine.AnalyzeForWallet(context.Background(), f.wallet.String(), f.position.String(), "")
	require.NoError(t, err)
	assert.False(t, rec.ShouldReposition)
}

func (f *fixture) input() PrepareInput {
	ts := testNow.Add(-time.Minute)
	return PrepareInput{
		PositionAddress: f.position.String(),
		WalletAddress:   f.wallet.String(),
		Timestamp:       &ts,
	}
}

func TestPrepareTransaction(t *testing.T) {
	f := newFixture(t, 160, nil)

	proposal, err := f.engine.PrepareTransaction(context.Background(), f.input())
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(proposal.Transaction)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	assert.Equal(t, models.StrategyOneSidedY, proposal.Strategy)
	assert.Equal(t, BinRange{Lower: 150, Upper: 170}, proposal.NewRange)
	assert.Equal(t, BinRange{Lower: 90, Upper: 110}, proposal.CurrentRange)
	assert.NotEqual(t, f.position.String(), proposal.NewPositionAddress)
	assert.Equal(t, DefaultSlippageBps, proposal.SlippageBps)
	assert.True(t, decimal.RequireFromString("148.5").Equal(proposal.MinPrice), proposal.MinPrice.String())
	assert.True(t, decimal.RequireFromString("151.5").Equal(proposal.MaxPrice), proposal.MaxPrice.String())
	assert.True(t, decimal.RequireFromString("1.98").Equal(proposal.MinimumOutputX), proposal.MinimumOutputX.String())
	assert.True(t, decimal.RequireFromString("297").Equal(proposal.MinimumOutputY), proposal.MinimumOutputY.String())
	assert.Equal(t, int32(4), proposal.MaxActiveBinSlippage)
	assert.Equal(t, 600.0, proposal.LiquidityRecovered.USD)
	assert.InDelta(t, 0.000035, proposal.EstimatedGasSOL, 1e-12)
	assert.Equal(t, 1, proposal.RequiredSigners)
	assert.Equal(t, solana.Hash{9, 9, 9}.String(), proposal.RecentBlockhash)
	assert.Equal(t, testNow.Add(60*time.Second), proposal.ExpiresAt)
}

func TestPrepareTransactionFreshness(t *testing.T) {
	f := newFixture(t, 160, nil)
	ctx := context.Background()

	in := f.input()
	in.Timestamp = nil
	_, err := f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrStaleRequest)

	old := testNow.Add(-6 * time.Minute)
	in.Timestamp = &old
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrStaleRequest)

	future := testNow.Add(time.Minute)
	in.Timestamp = &future
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrStaleRequest)

	slightlyAhead := testNow.Add(10 * time.Second)
	in.Timestamp = &slightlyAhead
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.NoError(t, err)
}

func TestPrepareTransactionValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 160, nil)

	in := f.input()
	in.SlippageBps = 6000
	_, err := f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidSlippage)

	in = f.input()
	in.Strategy = "sideways"
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	in = f.input()
	in.BinRange = &BinRange{Lower: 151, Upper: 150}
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidRange)

	in.BinRange = &BinRange{Lower: 100, Upper: 170}
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidRange)

	in = f.input()
	in.WalletAddress = solana.NewWallet().PublicKey().String()
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrNotOwner)

	in = f.input()
	tiny := 0.00001
	in.MaxGasCostSOL = &tiny
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, ErrGasTooHigh)

	in = f.input()
	in.WalletAddress = "bad"
	_, err = f.engine.PrepareTransaction(ctx, in)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func TestPrepareTransactionBalancedCustomRange(t *testing.T) {
	f := newFixture(t, 100, nil)

	in := f.input()
	in.Strategy = models.StrategyBalanced
	in.BinRange = &BinRange{Lower: 80, Upper: 120}
	in.SlippageBps = 50
	proposal, err := f.engine.PrepareTransaction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyBalanced, proposal.Strategy)
	assert.Equal(t, BinRange{Lower: 80, Upper: 120}, proposal.NewRange)
	assert.True(t, decimal.RequireFromString("149.25").Equal(proposal.MinPrice))
}

func TestPrepareTransactionSingleBin(t *testing.T) {
	f := newFixture(t, 160, nil)

	in := f.input()
	in.BinRange = &BinRange{Lower: 160, Upper: 160}
	proposal, err := f.engine.PrepareTransaction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, BinRange{Lower: 160, Upper: 160}, proposal.NewRange)
	assert.NotEmpty(t, proposal.Transaction)
}

func TestPlanAutoReposition(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 160, nil)
	plan, err := f.engine.PlanAutoReposition(ctx, f.input())
	require.NoError(t, err)
	assert.Equal(t, SkipAutoDisabled, plan.SkipReason)
	assert.Nil(t, plan.Proposal)
	assert.True(t, plan.Recommendation.ShouldReposition)

	prefs := settings.Defaults(settings.Identity{}, models.SourceWebsite)
	prefs.AutoRepositionEnabled = true
	f = newFixture(t, 105, prefs)
	plan, err = f.engine.PlanAutoReposition(ctx, f.input())
	require.NoError(t, err)
	assert.Equal(t, SkipNotNeeded, plan.SkipReason)

	prefs.MaxGasCostSOL = 0.00001
	f = newFixture(t, 160, prefs)
	plan, err = f.engine.PlanAutoReposition(ctx, f.input())
	require.NoError(t, err)
	assert.Equal(t, SkipGasTooHigh, plan.SkipReason)

	prefs.MaxGasCostSOL = 0.02
	f = newFixture(t, 160, prefs)
	plan, err = f.engine.PlanAutoReposition(ctx, f.input())
	require.NoError(t, err)
	assert.Empty(t, plan.SkipReason)
	require.NotNil(t, plan.Proposal)
	assert.Equal(t, models.StrategyOneSidedY, plan.Proposal.Strategy)
	assert.Equal(t, BinRange{Lower: 150, Upper: 170}, plan.Proposal.NewRange)
}

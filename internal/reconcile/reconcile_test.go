package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/price"
)

const (
	wallet = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	poolA  = "poolA"
	poolB  = "poolB"
)

type fakeHistory struct {
	records []models.PositionRecord
	err     error
}

func (f *fakeHistory) ListPositionsByOwner(_ context.Context, _ string) ([]models.PositionRecord, error) {
	return f.records, f.err
}

type fakeLive struct {
	snaps []*chain.Snapshot
	err   error
}

func (f *fakeLive) ListOwnerPositions(_ context.Context, _ string) ([]*chain.Snapshot, error) {
	return f.snaps, f.err
}

type fakePrices struct {
	prices map[string]*price.Prices
	err    error
}

func (f *fakePrices) FetchPrices(_ context.Context, pair price.Pair, _ int, fallback *float64) (*price.Prices, error) {
	if f.err != nil {
		if fallback != nil {
			return &price.Prices{PriceA: *fallback, PriceB: 1, Estimated: true, Source: price.SourcePoolRatio}, nil
		}
		return nil, f.err
	}
	p, ok := f.prices[pair.MintA]
	if !ok {
		return nil, price.ErrPriceUnavailable
	}
	return p, nil
}

func bin(v int32) *int32 { return &v }

func snapshot(id, pool string, lower, upper, active int32) *chain.Snapshot {
	return &chain.Snapshot{
		PositionAddress: id,
		PoolAddress:     pool,
		Owner:           wallet,
		LowerBinID:      lower,
		UpperBinID:      upper,
		Pool: chain.PoolState{
			Address:     pool,
			ActiveBinID: active,
			TokenXMint:  "mintX-" + pool,
			TokenYMint:  "mintY",
		},
		AmountX:        2,
		AmountY:        100,
		QuoteAvailable: true,
	}
}

func TestScenarioActiveAndClosed(t *testing.T) {
	closedAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	history := &fakeHistory{records: []models.PositionRecord{
		{
			PositionAddress: "P1",
			PoolAddress:     poolA,
			Owner:           wallet,
			EntryBinID:      bin(95),
			LowerBinID:      85,
			UpperBinID:      105,
			EntryValueUSD:   1000,
			Status:          models.PositionStatusActive,
		},
		{
			PositionAddress: "P2",
			PoolAddress:     poolB,
			Owner:           wallet,
			EntryBinID:      bin(70),
			ExitBinID:       bin(80),
			EntryValueUSD:   500,
			ExitValueUSD:    550,
			GasCostUSD:      1,
			Status:          models.PositionStatusClosed,
			ClosedAt:        &closedAt,
		},
	}}
	live := &fakeLive{snaps: []*chain.Snapshot{snapshot("P1", poolA, 85, 105, 100)}}
	prices := &fakePrices{prices: map[string]*price.Prices{
		"mintX-" + poolA: {PriceA: 150, PriceB: 1},
	}}

	result, err := New(history, live, prices, Options{}, zerolog.Nop()).GetUserPositions(context.Background(), wallet, true, true)
	require.NoError(t, err)
	require.Len(t, result.Positions, 2)

	p1 := result.Positions[0]
	assert.Equal(t, "P1", p1.PositionID)
	assert.Equal(t, SourceBoth, p1.Source)
	assert.Equal(t, models.PositionStatusActive, p1.Status)
	require.NotNil(t, p1.Health)
	assert.Equal(t, int32(5), p1.Health.DistanceFromActiveBin)
	assert.Equal(t, int32(10), p1.Health.Tolerance)
	assert.Equal(t, HealthHealthy, p1.Health.Status)
	assert.True(t, p1.Health.IsInRange)
	assert.Equal(t, 400.0, p1.TotalLiquidityUSD)
	require.NotNil(t, p1.PnL)
	assert.Equal(t, -600.0, p1.PnL.USD)

	p2 := result.Positions[1]
	assert.Equal(t, "P2", p2.PositionID)
	assert.Equal(t, SourceDatabase, p2.Source)
	assert.Equal(t, models.PositionStatusClosed, p2.Status)
	assert.Nil(t, p2.Health)
	require.NotNil(t, p2.ExitBinID)
	assert.Equal(t, int32(80), *p2.ExitBinID)
	require.NotNil(t, p2.PnL)
	assert.Equal(t, 49.0, p2.PnL.USD)
	assert.InDelta(t, 9.8, p2.PnL.Percent, 1e-9)

	assert.Equal(t, Summary{Total: 2, Active: 1, Closed: 1, Merged: 1}, result.Summary)
	assert.Empty(t, result.SourceErrors)
}

func TestOnlyChainIsActiveBlockchain(t *testing.T) {
	live := &fakeLive{snaps: []*chain.Snapshot{snapshot("P1", poolA, 90, 110, 100)}}

	result, err := New(&fakeHistory{}, live, nil, Options{}, zerolog.Nop()).GetUserPositions(context.Background(), wallet, true, true)
	require.NoError(t, err)
	require.Len(t, result.Positions, 1)
	p := result.Positions[0]
	assert.Equal(t, SourceBlockchain, p.Source)
	assert.Equal(t, models.PositionStatusActive, p.Status)
	assert.Nil(t, p.PnL)
	require.NotNil(t, p.Health)
	// no entry bin, so the centre of the range is used
	assert.Equal(t, int32(0), p.Health.DistanceFromActiveBin)
}

func TestOnlyDatabaseIsClosed(t *testing.T) {
	history := &fakeHistory{records: []models.PositionRecord{
		{PositionAddress: "P9", PoolAddress: poolA, Owner: wallet, Status: models.PositionStatusActive},
	}}

	tests := []struct {
		name        string
		live        *fakeLive
		includeLive bool
		sourceError bool
	}{
		{name: "chain read without the position", live: &fakeLive{}, includeLive: true},
		{name: "chain read skipped", live: &fakeLive{}, includeLive: false},
		{name: "chain read failed", live: &fakeLive{err: errors.New("rpc down")}, includeLive: true, sourceError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := New(history, tt.live, nil, Options{}, zerolog.Nop()).
				GetUserPositions(context.Background(), wallet, true, tt.includeLive)
			require.NoError(t, err)
			require.Len(t, result.Positions, 1)
			p := result.Positions[0]
			assert.Equal(t, SourceDatabase, p.Source)
			assert.Equal(t, models.PositionStatusClosed, p.Status)
			assert.Nil(t, p.PnL)
			assert.Nil(t, p.Health)
			if tt.sourceError {
				assert.Contains(t, result.SourceErrors, SourceBlockchain)
			} else {
				assert.Empty(t, result.SourceErrors)
			}
		})
	}
}

func TestChainAmountsWin(t *testing.T) {
	history := &fakeHistory{records: []models.PositionRecord{
		{PositionAddress: "P1", PoolAddress: poolA, Owner: wallet, EntryAmountX: 50, ExitAmountX: 60, FeesClaimedUSD: 3},
	}}
	snap := snapshot("P1", poolA, 85, 105, 100)
	snap.AmountX = 7
	snap.AmountY = 11

	result, err := New(history, &fakeLive{snaps: []*chain.Snapshot{snap}}, nil, Options{}, zerolog.Nop()).
		GetUserPositions(context.Background(), wallet, true, true)
	require.NoError(t, err)
	require.Len(t, result.Positions, 1)
	p := result.Positions[0]
	assert.Equal(t, SourceBoth, p.Source)
	assert.Equal(t, 7.0, p.AmountX)
	assert.Equal(t, 11.0, p.AmountY)
	assert.Equal(t, 3.0, p.Fees.ClaimedUSD)
}

func TestPoolMismatchIsConflict(t *testing.T) {
	history := &fakeHistory{records: []models.PositionRecord{
		{PositionAddress: "P1", PoolAddress: poolB, Owner: wallet},
	}}
	live := &fakeLive{snaps: []*chain.Snapshot{snapshot("P1", poolA, 85, 105, 100)}}

	result, err := New(history, live, nil, Options{}, zerolog.Nop()).GetUserPositions(context.Background(), wallet, true, true)
	require.NoError(t, err)
	assert.Empty(t, result.Positions)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "P1", result.Conflicts[0].PositionID)
	assert.Equal(t, poolB, result.Conflicts[0].DatabasePool)
	assert.Equal(t, poolA, result.Conflicts[0].ChainPool)
}

func TestSourceFailures(t *testing.T) {
	ctx := context.Background()
	history := &fakeHistory{records: []models.PositionRecord{
		{PositionAddress: "P2", PoolAddress: poolB, Owner: wallet, Status: models.PositionStatusClosed},
	}}
	live := &fakeLive{snaps: []*chain.Snapshot{snapshot("P1", poolA, 85, 105, 100)}}

	t.Run("chain fails, database still merged", func(t *testing.T) {
		result, err := New(history, &fakeLive{err: errors.New("rpc down")}, nil, Options{}, zerolog.Nop()).
			GetUserPositions(ctx, wallet, true, true)
		require.NoError(t, err)
		require.Len(t, result.Positions, 1)
		assert.Contains(t, result.SourceErrors, SourceBlockchain)
	})

	t.Run("database fails, chain still merged", func(t *testing.T) {
		result, err := New(&fakeHistory{err: errors.New("db down")}, live, nil, Options{}, zerolog.Nop()).
			GetUserPositions(ctx, wallet, true, true)
		require.NoError(t, err)
		require.Len(t, result.Positions, 1)
		assert.Equal(t, SourceBlockchain, result.Positions[0].Source)
		assert.Contains(t, result.SourceErrors, SourceDatabase)
	})

	t.Run("both fail", func(t *testing.T) {
		_, err := New(&fakeHistory{err: errors.New("db down")}, &fakeLive{err: errors.New("rpc down")}, nil, Options{}, zerolog.Nop()).
			GetUserPositions(ctx, wallet, true, true)
		assert.ErrorIs(t, err, ErrLiveUnavailable)
	})

	t.Run("only history requested and it fails", func(t *testing.T) {
		_, err := New(&fakeHistory{err: errors.New("db down")}, live, nil, Options{}, zerolog.Nop()).
			GetUserPositions(ctx, wallet, true, false)
		assert.ErrorIs(t, err, ErrHistoryUnavailable)
	})
}

func TestInvalidWallet(t *testing.T) {
	_, err := New(&fakeHistory{}, &fakeLive{}, nil, Options{}, zerolog.Nop()).
		GetUserPositions(context.Background(), "not-a-wallet", true, true)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func TestPricingFailureLeavesUSDZero(t *testing.T) {
	history := &fakeHistory{records: []models.PositionRecord{
		{PositionAddress: "P1", PoolAddress: poolA, Owner: wallet, EntryValueUSD: 100},
	}}
	live := &fakeLive{snaps: []*chain.Snapshot{snapshot("P1", poolA, 85, 105, 100)}}

	result, err := New(history, live, &fakePrices{err: price.ErrPriceUnavailable}, Options{}, zerolog.Nop()).
		GetUserPositions(context.Background(), wallet, true, true)
	require.NoError(t, err)
	p := result.Positions[0]
	assert.Zero(t, p.TotalLiquidityUSD)
	assert.Nil(t, p.PnL)
}

func TestPoolPriceFallbackIsEstimated(t *testing.T) {
	snap := snapshot("P1", poolA, 85, 105, 100)
	snap.Pool.Price = 120
	snap.Pool.PriceAvailable = true

	result, err := New(&fakeHistory{}, &fakeLive{snaps: []*chain.Snapshot{snap}}, &fakePrices{err: price.ErrPriceUnavailable}, Options{}, zerolog.Nop()).
		GetUserPositions(context.Background(), wallet, true, true)
	require.NoError(t, err)
	p := result.Positions[0]
	assert.True(t, p.PriceEstimated)
	assert.Equal(t, 340.0, p.TotalLiquidityUSD)
}

func TestEvaluateHealth(t *testing.T) {
	tests := []struct {
		name     string
		active   int32
		entry    int32
		status   string
		inRange  bool
		distance int32
	}{
		{"on entry", 100, 100, HealthHealthy, true, 0},
		{"at tolerance", 110, 100, HealthHealthy, true, 10},
		{"one past tolerance", 89, 100, HealthAtEdge, true, -11},
		{"far away", 150, 100, HealthOutOfRange, false, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := EvaluateHealth(tt.active, tt.entry, 10)
			assert.Equal(t, tt.status, h.Status)
			assert.Equal(t, tt.inRange, h.IsInRange)
			assert.Equal(t, tt.distance, h.DistanceFromActiveBin)
		})
	}
}

func TestComputePnL(t *testing.T) {
	assert.Nil(t, ComputePnL(100, 0, 0))
	pnl := ComputePnL(120, 100, 5)
	require.NotNil(t, pnl)
	assert.Equal(t, 15.0, pnl.USD)
	assert.Equal(t, 15.0, pnl.Percent)
}

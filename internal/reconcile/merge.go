package reconcile

import (
	"sort"

	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/price"
)

// EvaluateHealth classifies distance = active - entry against tolerance
func EvaluateHealth(activeBin, entryBin, tolerance int32) *Health {
	distance := activeBin - entryBin
	abs := distance
	if abs < 0 {
		abs = -abs
	}

	status := HealthOutOfRange
	switch {
	case abs <= tolerance:
		status = HealthHealthy
	case abs <= tolerance+1:
		status = HealthAtEdge
	}

	return &Health{
		IsInRange:             status != HealthOutOfRange,
		Status:                status,
		DistanceFromActiveBin: distance,
		Tolerance:             tolerance,
	}
}

// ComputePnL returns nil when the entry value is unknown
func ComputePnL(currentUSD, entryUSD, gasUSD float64) *PnL {
	if entryUSD == 0 {
		return nil
	}
	usd := currentUSD - entryUSD - gasUSD
	return &PnL{
		USD:     usd,
		Percent: usd / entryUSD * 100,
	}
}

// toleranceFor is half the range width, or the default when unknown
func toleranceFor(lower, upper, fallback int32) int32 {
	width := upper - lower + 1
	if upper < lower || width/2 < 1 {
		return fallback
	}
	return width / 2
}

func fromChain(snap *chain.Snapshot, defaultTolerance int32) MergedPosition {
	active := snap.Pool.ActiveBinID
	entry := snap.Center()
	return MergedPosition{
		PositionID:  snap.PositionAddress,
		PoolAddress: snap.PoolAddress,
		Owner:       snap.Owner,
		Status:      models.PositionStatusActive,
		Source:      SourceBlockchain,
		AmountX:     snap.AmountX,
		AmountY:     snap.AmountY,
		Fees: Fees{
			AccruedX:   snap.PendingFeesX,
			AccruedY:   snap.PendingFeesY,
			AccruedUSD: snap.PendingFeesUSD,
			ClaimedX:   snap.TotalClaimedFeeX,
			ClaimedY:   snap.TotalClaimedFeeY,
			ClaimedUSD: snap.ClaimedFeesUSD,
		},
		Health:      EvaluateHealth(active, entry, toleranceFor(snap.LowerBinID, snap.UpperBinID, defaultTolerance)),
		LowerBinID:  snap.LowerBinID,
		UpperBinID:  snap.UpperBinID,
		ActiveBinID: &active,
	}
}

func fromDatabase(rec *models.PositionRecord) MergedPosition {
	pos := MergedPosition{
		PositionID:        rec.PositionAddress,
		PoolAddress:       rec.PoolAddress,
		Owner:             rec.Owner,
		Status:            models.PositionStatusClosed,
		Source:            SourceDatabase,
		AmountX:           rec.ExitAmountX,
		AmountY:           rec.ExitAmountY,
		TotalLiquidityUSD: rec.ExitValueUSD,
		Fees: Fees{
			ClaimedX:   rec.FeesClaimedX,
			ClaimedY:   rec.FeesClaimedY,
			ClaimedUSD: rec.FeesClaimedUSD,
		},
		PnL:        ComputePnL(rec.ExitValueUSD, rec.EntryValueUSD, rec.GasCostUSD),
		LowerBinID: rec.LowerBinID,
		UpperBinID: rec.UpperBinID,
		EntryBinID: rec.EntryBinID,
		ExitBinID:  rec.ExitBinID,
		ClosedAt:   rec.ClosedAt,
	}
	if !rec.OpenedAt.IsZero() {
		opened := rec.OpenedAt
		pos.OpenedAt = &opened
	}
	return pos
}

// mergeBoth takes current state from the chain and history from the database
func mergeBoth(snap *chain.Snapshot, rec *models.PositionRecord, defaultTolerance int32) MergedPosition {
	pos := fromChain(snap, defaultTolerance)
	pos.Source = SourceBoth
	pos.EntryBinID = rec.EntryBinID
	if rec.EntryBinID != nil {
		pos.Health = EvaluateHealth(snap.Pool.ActiveBinID, *rec.EntryBinID,
			toleranceFor(snap.LowerBinID, snap.UpperBinID, defaultTolerance))
	}
	if rec.FeesClaimedX > 0 || rec.FeesClaimedY > 0 || rec.FeesClaimedUSD > 0 {
		pos.Fees.ClaimedX = rec.FeesClaimedX
		pos.Fees.ClaimedY = rec.FeesClaimedY
		pos.Fees.ClaimedUSD = rec.FeesClaimedUSD
	}
	if !rec.OpenedAt.IsZero() {
		opened := rec.OpenedAt
		pos.OpenedAt = &opened
	}
	return pos
}

// applyPrices values a live position and derives its PnL
func applyPrices(pos *MergedPosition, snap *chain.Snapshot, prices *price.Prices, rec *models.PositionRecord) {
	pos.ValueXUSD = pos.AmountX * prices.PriceA
	pos.ValueYUSD = pos.AmountY * prices.PriceB
	pos.TotalLiquidityUSD = pos.ValueXUSD + pos.ValueYUSD
	pos.PriceEstimated = prices.Estimated
	if pos.Fees.AccruedUSD == 0 {
		pos.Fees.AccruedUSD = snap.PendingFeesX*prices.PriceA + snap.PendingFeesY*prices.PriceB
	}
	if rec != nil {
		pos.PnL = ComputePnL(pos.TotalLiquidityUSD, rec.EntryValueUSD, rec.GasCostUSD)
	}
}

func summarize(positions []MergedPosition) Summary {
	summary := Summary{Total: len(positions)}
	for _, p := range positions {
		if p.Status == models.PositionStatusActive {
			summary.Active++
		} else {
			summary.Closed++
		}
		if p.Source == SourceBoth {
			summary.Merged++
		}
	}
	return summary
}

// sortPositions orders active before closed, then by id
func sortPositions(positions []MergedPosition) {
	sort.Slice(positions, func(i, j int) bool {
		ai := positions[i].Status == models.PositionStatusActive
		aj := positions[j].Status == models.PositionStatusActive
		if ai != aj {
			return ai
		}
		return positions[i].PositionID < positions[j].PositionID
	})
}

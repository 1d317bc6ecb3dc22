package reconcile

import (
	"time"
)

// Source names where a merged position came from
type Source string

const (
	SourceBlockchain Source = "blockchain"
	SourceDatabase   Source = "database"
	SourceBoth       Source = "both"
)

const (
	HealthHealthy    = "healthy"
	HealthAtEdge     = "at-edge"
	HealthOutOfRange = "out-of-range"
)

// Health describes where the active bin sits relative to the entry bin.
// It is only present for active positions.
type Health struct {
	IsInRange             bool   `json:"isInRange"`
	Status                string `json:"status"`
	DistanceFromActiveBin int32  `json:"distanceFromActiveBin"`
	Tolerance             int32  `json:"tolerance"`
}

// PnL is present only when the entry value is known and nonzero
type PnL struct {
	USD     float64 `json:"usd"`
	Percent float64 `json:"percent"`
}

type Fees struct {
	AccruedX   float64 `json:"accruedX"`
	AccruedY   float64 `json:"accruedY"`
	AccruedUSD float64 `json:"accruedUsd"`
	ClaimedX   float64 `json:"claimedX"`
	ClaimedY   float64 `json:"claimedY"`
	ClaimedUSD float64 `json:"claimedUsd"`
}

// MergedPosition is the reconciled view of one position
type MergedPosition struct {
	PositionID  string `json:"positionId"`
	PoolAddress string `json:"poolAddress"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
	Source      Source `json:"source"`

	AmountX           float64 `json:"amountX"`
	AmountY           float64 `json:"amountY"`
	ValueXUSD         float64 `json:"valueXUsd"`
	ValueYUSD         float64 `json:"valueYUsd"`
	TotalLiquidityUSD float64 `json:"totalLiquidityUsd"`
	PriceEstimated    bool    `json:"priceEstimated,omitempty"`

	Fees   Fees    `json:"fees"`
	PnL    *PnL    `json:"pnl,omitempty"`
	Health *Health `json:"health,omitempty"`

	LowerBinID  int32  `json:"lowerBinId"`
	UpperBinID  int32  `json:"upperBinId"`
	ActiveBinID *int32 `json:"activeBinId,omitempty"`
	EntryBinID  *int32 `json:"entryBinId,omitempty"`
	ExitBinID   *int32 `json:"exitBinId,omitempty"`

	OpenedAt *time.Time `json:"openedAt,omitempty"`
	ClosedAt *time.Time `json:"closedAt,omitempty"`
}

type Summary struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Closed int `json:"closed"`
	Merged int `json:"merged"`
}

// Conflict is a position whose sources disagree and was left unmerged
type Conflict struct {
	PositionID   string `json:"positionId"`
	DatabasePool string `json:"databasePool"`
	ChainPool    string `json:"chainPool"`
	Reason       string `json:"reason"`
}

// Result is the output of GetUserPositions
type Result struct {
	Positions    []MergedPosition  `json:"positions"`
	Summary      Summary           `json:"summary"`
	SourceErrors map[Source]string `json:"sourceErrors,omitempty"`
	Conflicts    []Conflict        `json:"conflicts,omitempty"`
}

package chain

import (
	"time"
)

// PoolState is a decoded DLMM pair with reserves and price
type PoolState struct {
	Address        string  `json:"address"`
	ActiveBinID    int32   `json:"activeBinId"`
	BinStep        uint16  `json:"binStep"`
	TokenXMint     string  `json:"tokenXMint"`
	TokenYMint     string  `json:"tokenYMint"`
	ReserveX       string  `json:"reserveX"`
	ReserveY       string  `json:"reserveY"`
	ReserveXAmount float64 `json:"reserveXAmount"`
	ReserveYAmount float64 `json:"reserveYAmount"`
	DecimalsX      uint8   `json:"decimalsX"`
	DecimalsY      uint8   `json:"decimalsY"`
	// Price is token Y per token X, zero when PriceAvailable is false
	Price          float64 `json:"price"`
	PriceAvailable bool    `json:"priceAvailable"`
	Slot           uint64  `json:"slot"`
}

// Snapshot is a live read of one position. It is never persisted.
type Snapshot struct {
	PositionAddress string    `json:"positionAddress"`
	PoolAddress     string    `json:"poolAddress"`
	Owner           string    `json:"owner"`
	LowerBinID      int32     `json:"lowerBinId"`
	UpperBinID      int32     `json:"upperBinId"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`

	Pool PoolState `json:"pool"`

	AmountX          float64 `json:"amountX"`
	AmountY          float64 `json:"amountY"`
	PendingFeesX     float64 `json:"pendingFeesX"`
	PendingFeesY     float64 `json:"pendingFeesY"`
	PendingFeesUSD   float64 `json:"pendingFeesUsd"`
	TotalClaimedFeeX float64 `json:"totalClaimedFeeX"`
	TotalClaimedFeeY float64 `json:"totalClaimedFeeY"`
	ClaimedFeesUSD   float64 `json:"claimedFeesUsd"`
	QuoteAvailable   bool    `json:"quoteAvailable"`

	Slot uint64 `json:"slot"`
}

// Width returns the number of bins covered
func (s *Snapshot) Width() int32 {
	return s.UpperBinID - s.LowerBinID + 1
}

// Center returns the middle bin of the range
func (s *Snapshot) Center() int32 {
	return s.LowerBinID + (s.UpperBinID-s.LowerBinID)/2
}

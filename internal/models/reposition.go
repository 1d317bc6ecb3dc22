package models

import (
	"time"
)

// RepositionChainEntry is one append-only link from an old position to the
// position that replaced it.
type RepositionChainEntry struct {
	ID                    uint      `gorm:"primarykey" json:"id"`
	WalletAddress         string    `gorm:"size:44;index;not null" json:"walletAddress"`
	OldPositionAddress    string    `gorm:"size:44;index;not null" json:"oldPositionAddress"`
	NewPositionAddress    string    `gorm:"size:44;index;not null" json:"newPositionAddress"`
	PoolAddress           string    `gorm:"size:44;index;not null" json:"poolAddress"`
	Reason                string    `gorm:"size:255" json:"reason,omitempty"`
	OldLowerBinID         int32     `json:"oldLowerBinId"`
	OldUpperBinID         int32     `json:"oldUpperBinId"`
	NewLowerBinID         int32     `json:"newLowerBinId"`
	NewUpperBinID         int32     `json:"newUpperBinId"`
	DistanceFromRange     int32     `json:"distanceFromRange"`
	LiquidityRecoveredUSD float64   `gorm:"default:0" json:"liquidityRecoveredUsd"`
	FeesCollectedUSD      float64   `gorm:"default:0" json:"feesCollectedUsd"`
	GasCostSOL            float64   `gorm:"default:0" json:"gasCostSol"`
	TxSignature           string    `gorm:"size:88;uniqueIndex;not null" json:"signature"`
	CreatedAt             time.Time `gorm:"index" json:"createdAt"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	PositionStatusActive = "active"
	PositionStatusClosed = "closed"
)

// PositionRecord is the historical view of a liquidity position. Once a
// record is closed it is immutable.
type PositionRecord struct {
	gorm.Model
	PositionAddress string `gorm:"size:44;uniqueIndex;not null"`
	PoolAddress     string `gorm:"size:44;index;not null"`
	Owner           string `gorm:"size:44;index;not null"`

	// Bin range, entry bin is nil when the opening deposit was not observed
	EntryBinID *int32
	ExitBinID  *int32
	LowerBinID int32
	UpperBinID int32

	// Token amounts in UI units
	EntryAmountX float64 `gorm:"default:0"`
	EntryAmountY float64 `gorm:"default:0"`
	ExitAmountX  float64 `gorm:"default:0"`
	ExitAmountY  float64 `gorm:"default:0"`

	// USD values
	EntryValueUSD  float64 `gorm:"default:0"`
	ExitValueUSD   float64 `gorm:"default:0"`
	FeesClaimedX   float64 `gorm:"default:0"`
	FeesClaimedY   float64 `gorm:"default:0"`
	FeesClaimedUSD float64 `gorm:"default:0"`
	RealizedPnLUSD float64 `gorm:"default:0"`
	GasCostUSD     float64 `gorm:"default:0"`

	Status   string    `gorm:"size:20;index;default:'active'"`
	OpenedAt time.Time `gorm:"index"`
	ClosedAt *time.Time
}

// IsClosed reports whether the record is in its terminal state
func (p *PositionRecord) IsClosed() bool {
	return p.Status == PositionStatusClosed
}

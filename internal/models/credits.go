package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreditBalance is the per-wallet credit account.
// Balance always equals TotalPurchased - TotalUsed and never goes negative.
type CreditBalance struct {
	ID             uint   `gorm:"primarykey"`
	WalletAddress  string `gorm:"size:44;uniqueIndex;not null"`
	Balance        int64  `gorm:"not null;default:0"`
	TotalPurchased int64  `gorm:"not null;default:0"`
	TotalUsed      int64  `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreditUsage is an immutable debit audit row
type CreditUsage struct {
	ID                string `gorm:"primaryKey;size:36"`
	WalletAddress     string `gorm:"size:44;index;not null"`
	Amount            int64  `gorm:"not null"`
	PositionAddress   string `gorm:"size:44"`
	RelatedResourceID string `gorm:"size:128"`
	Description       string `gorm:"size:255"`
	BalanceAfter      int64
	CreatedAt         time.Time `gorm:"index"`
}

func (u *CreditUsage) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// CreditPurchase is an immutable purchase row
type CreditPurchase struct {
	ID               string  `gorm:"primaryKey;size:36"`
	WalletAddress    string  `gorm:"size:44;index;not null"`
	Amount           int64   `gorm:"not null"`
	PaymentReference *string `gorm:"size:128;uniqueIndex"`
	CreatedAt        time.Time
}

func (p *CreditPurchase) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

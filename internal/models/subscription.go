package models

import (
	"time"
)

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Subscription is a wallet's paid plan
type Subscription struct {
	ID            uint   `gorm:"primarykey"`
	WalletAddress string `gorm:"size:44;uniqueIndex;not null"`
	Tier          string `gorm:"size:20;default:'free'"`
	Active        bool   `gorm:"default:false"`
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

package models

import (
	"time"
)

const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"

	StrategyOneSidedX = "one-sided-x"
	StrategyOneSidedY = "one-sided-y"
	StrategyBalanced  = "balanced"

	SourceTelegram = "telegram"
	SourceWebsite  = "website"
)

// AllStrategies lists every supported rebalance strategy
var AllStrategies = []string{StrategyOneSidedX, StrategyOneSidedY, StrategyBalanced}

// RepositionSettings holds per-user automation preferences. A row is keyed
// by wallet address, Telegram user id, or both.
type RepositionSettings struct {
	ID             uint    `gorm:"primarykey" json:"id"`
	WalletAddress  *string `gorm:"size:44;uniqueIndex" json:"walletAddress,omitempty"`
	TelegramUserID *int64  `gorm:"uniqueIndex" json:"telegramUserId,omitempty"`

	AutoRepositionEnabled bool     `json:"autoRepositionEnabled"`
	UrgencyThreshold      string   `gorm:"size:10" json:"urgencyThreshold"`
	MaxGasCostSOL         float64  `json:"maxGasCost"`
	MinFeesUSD            float64  `json:"minFeesUsd"`
	AllowedStrategies     []string `gorm:"serializer:json" json:"allowedStrategies"`

	NotifyOnAction     bool `json:"notifyOnAction"`
	NotifyOnOutOfRange bool `json:"notifyOnOutOfRange"`
	NotifyDailySummary bool `json:"notifyDailySummary"`

	UpdatedFrom string    `gorm:"size:20" json:"updatedFrom"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

package models

import (
	"gorm.io/gorm"
)

// User links a Solana wallet to an optional Telegram account
type User struct {
	gorm.Model
	WalletAddress  string `gorm:"size:44;uniqueIndex;not null"`
	TelegramUserID *int64 `gorm:"uniqueIndex"`
}

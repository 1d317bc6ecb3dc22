package store

import (
	"context"
	"fmt"

	"github.com/wnt/rebin/internal/models"
	"gorm.io/gorm/clause"
)

// GetSubscription returns a wallet's subscription
func (s *Store) GetSubscription(ctx context.Context, wallet string) (*models.Subscription, error) {
	var sub models.Subscription
	err := notFound(s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&sub).Error)
	record("get_subscription", err)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription creates or replaces a wallet's subscription
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "active", "expires_at", "updated_at"}),
	}).Create(sub).Error
	record("upsert_subscription", err)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription for %s: %w", sub.WalletAddress, err)
	}
	return nil
}

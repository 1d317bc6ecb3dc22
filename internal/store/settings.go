package store

import (
	"context"
	"fmt"

	"github.com/wnt/rebin/internal/models"
)

// FindSettings looks up settings by wallet address, else by Telegram user id
func (s *Store) FindSettings(ctx context.Context, wallet *string, telegramUserID *int64) (*models.RepositionSettings, error) {
	q := s.db.WithContext(ctx)
	switch {
	case wallet != nil && telegramUserID != nil:
		q = q.Where("wallet_address = ? OR telegram_user_id = ?", *wallet, *telegramUserID)
	case wallet != nil:
		q = q.Where("wallet_address = ?", *wallet)
	case telegramUserID != nil:
		q = q.Where("telegram_user_id = ?", *telegramUserID)
	default:
		return nil, ErrNotFound
	}

	var settings models.RepositionSettings
	err := notFound(q.Order("id").First(&settings).Error)
	record("find_settings", err)
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// CreateSettings inserts a new settings row
func (s *Store) CreateSettings(ctx context.Context, settings *models.RepositionSettings) error {
	err := s.db.WithContext(ctx).Create(settings).Error
	record("create_settings", err)
	if err != nil {
		return fmt.Errorf("failed to create settings: %w", err)
	}
	return nil
}

// SaveSettings writes every column of an existing settings row
func (s *Store) SaveSettings(ctx context.Context, settings *models.RepositionSettings) error {
	err := s.db.WithContext(ctx).Save(settings).Error
	record("save_settings", err)
	if err != nil {
		return fmt.Errorf("failed to save settings %d: %w", settings.ID, err)
	}
	return nil
}

// ListAutoRepositionWallets returns wallets that opted into automation
func (s *Store) ListAutoRepositionWallets(ctx context.Context) ([]string, error) {
	var wallets []string
	err := s.db.WithContext(ctx).
		Model(&models.RepositionSettings{}).
		Where("auto_reposition_enabled = ? AND wallet_address IS NOT NULL", true).
		Order("wallet_address").
		Pluck("wallet_address", &wallets).Error
	record("list_auto_wallets", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-reposition wallets: %w", err)
	}
	return wallets, nil
}

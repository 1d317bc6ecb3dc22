package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/wnt/rebin/internal/models"
)

// FindUserByWallet returns the user linked to a wallet
func (s *Store) FindUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	var user models.User
	err := notFound(s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&user).Error)
	record("find_user", err)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUserByTelegramID returns the user linked to a Telegram account
func (s *Store) FindUserByTelegramID(ctx context.Context, telegramUserID int64) (*models.User, error) {
	var user models.User
	err := notFound(s.db.WithContext(ctx).Where("telegram_user_id = ?", telegramUserID).First(&user).Error)
	record("find_user", err)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// LinkUser creates the wallet's user or attaches a Telegram id to it
func (s *Store) LinkUser(ctx context.Context, wallet string, telegramUserID *int64) (*models.User, error) {
	var user models.User
	err := s.Transaction(ctx, func(tx *Store) error {
		err := notFound(tx.db.Where("wallet_address = ?", wallet).First(&user).Error)
		if errors.Is(err, ErrNotFound) {
			user = models.User{WalletAddress: wallet, TelegramUserID: telegramUserID}
			return tx.db.Create(&user).Error
		}
		if err != nil {
			return err
		}
		if telegramUserID != nil {
			user.TelegramUserID = telegramUserID
			return tx.db.Save(&user).Error
		}
		return nil
	})
	record("link_user", err)
	if err != nil {
		return nil, fmt.Errorf("failed to link user %s: %w", wallet, err)
	}
	return &user, nil
}

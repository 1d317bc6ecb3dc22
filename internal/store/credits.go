package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wnt/rebin/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetCreditBalance returns a wallet's balance; a wallet without an
// account has a zero balance.
func (s *Store) GetCreditBalance(ctx context.Context, wallet string) (*models.CreditBalance, error) {
	var bal models.CreditBalance
	err := notFound(s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&bal).Error)
	record("get_credit_balance", err)
	if errors.Is(err, ErrNotFound) {
		return &models.CreditBalance{WalletAddress: wallet}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit balance for %s: %w", wallet, err)
	}
	return &bal, nil
}

// DebitCredits decrements the balance by usage.Amount with a single
// conditional update and records the usage row in the same transaction.
// Nothing changes when the balance is too low.
func (s *Store) DebitCredits(ctx context.Context, usage *models.CreditUsage) (*models.CreditBalance, error) {
	var bal models.CreditBalance
	err := s.Transaction(ctx, func(tx *Store) error {
		res := tx.db.Model(&models.CreditBalance{}).
			Where("wallet_address = ? AND balance >= ?", usage.WalletAddress, usage.Amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", usage.Amount),
				"total_used": gorm.Expr("total_used + ?", usage.Amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientCredits
		}

		if err := tx.db.Where("wallet_address = ?", usage.WalletAddress).First(&bal).Error; err != nil {
			return err
		}
		usage.BalanceAfter = bal.Balance
		return tx.db.Create(usage).Error
	})
	record("debit_credits", err)
	if err != nil {
		return nil, fmt.Errorf("failed to debit %d credits from %s: %w", usage.Amount, usage.WalletAddress, err)
	}
	return &bal, nil
}

// PurchaseCredits increments the balance and records the purchase. A
// payment reference seen before leaves the balance untouched.
func (s *Store) PurchaseCredits(ctx context.Context, purchase *models.CreditPurchase) (*models.CreditBalance, error) {
	var bal models.CreditBalance
	err := s.Transaction(ctx, func(tx *Store) error {
		if purchase.PaymentReference != nil {
			var existing models.CreditPurchase
			err := notFound(tx.db.Where("payment_reference = ?", *purchase.PaymentReference).First(&existing).Error)
			if err == nil {
				*purchase = existing
				return tx.db.Where("wallet_address = ?", existing.WalletAddress).First(&bal).Error
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		if err := tx.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "wallet_address"}},
			DoNothing: true,
		}).Create(&models.CreditBalance{WalletAddress: purchase.WalletAddress}).Error; err != nil {
			return err
		}

		if err := tx.db.Model(&models.CreditBalance{}).
			Where("wallet_address = ?", purchase.WalletAddress).
			Updates(map[string]any{
				"balance":         gorm.Expr("balance + ?", purchase.Amount),
				"total_purchased": gorm.Expr("total_purchased + ?", purchase.Amount),
				"updated_at":      time.Now().UTC(),
			}).Error; err != nil {
			return err
		}

		if err := tx.db.Create(purchase).Error; err != nil {
			return err
		}
		return tx.db.Where("wallet_address = ?", purchase.WalletAddress).First(&bal).Error
	})
	record("purchase_credits", err)
	if err != nil {
		return nil, fmt.Errorf("failed to purchase %d credits for %s: %w", purchase.Amount, purchase.WalletAddress, err)
	}
	return &bal, nil
}

// ListCreditUsage returns a wallet's debits, newest first
func (s *Store) ListCreditUsage(ctx context.Context, wallet string, limit int) ([]models.CreditUsage, error) {
	q := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var usage []models.CreditUsage
	err := q.Find(&usage).Error
	record("list_credit_usage", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit usage for %s: %w", wallet, err)
	}
	return usage, nil
}

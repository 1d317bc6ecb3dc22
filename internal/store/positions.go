package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/wnt/rebin/internal/models"
)

// ListPositionsByOwner returns every historical position for a wallet
func (s *Store) ListPositionsByOwner(ctx context.Context, owner string) ([]models.PositionRecord, error) {
	var records []models.PositionRecord
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("opened_at DESC").
		Find(&records).Error
	record("list_positions", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for %s: %w", owner, err)
	}
	return records, nil
}

// GetPosition returns a position by address
func (s *Store) GetPosition(ctx context.Context, address string) (*models.PositionRecord, error) {
	var rec models.PositionRecord
	err := notFound(s.db.WithContext(ctx).Where("position_address = ?", address).First(&rec).Error)
	record("get_position", err)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SavePosition inserts or updates a position record. A record already
// closed accepts only an identical re-close.
func (s *Store) SavePosition(ctx context.Context, rec *models.PositionRecord) error {
	err := s.Transaction(ctx, func(tx *Store) error {
		var existing models.PositionRecord
		err := notFound(tx.db.Where("position_address = ?", rec.PositionAddress).First(&existing).Error)
		switch {
		case errors.Is(err, ErrNotFound):
			return tx.db.Create(rec).Error
		case err != nil:
			return err
		}

		if existing.IsClosed() {
			if sameClose(&existing, rec) {
				*rec = existing
				return nil
			}
			return ErrImmutable
		}

		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		return tx.db.Save(rec).Error
	})
	record("save_position", err)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", rec.PositionAddress, err)
	}
	return nil
}

func sameClose(a, b *models.PositionRecord) bool {
	if a.Status != b.Status || a.PoolAddress != b.PoolAddress {
		return false
	}
	if !equalBin(a.ExitBinID, b.ExitBinID) {
		return false
	}
	if a.ExitAmountX != b.ExitAmountX || a.ExitAmountY != b.ExitAmountY ||
		a.ExitValueUSD != b.ExitValueUSD || a.RealizedPnLUSD != b.RealizedPnLUSD {
		return false
	}
	if (a.ClosedAt == nil) != (b.ClosedAt == nil) {
		return false
	}
	return a.ClosedAt == nil || a.ClosedAt.Equal(*b.ClosedAt)
}

func equalBin(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

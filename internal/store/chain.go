package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/wnt/rebin/internal/models"
)

// AppendChainEntry inserts a reposition link. A signature already
// recorded returns the stored entry without inserting.
func (s *Store) AppendChainEntry(ctx context.Context, entry *models.RepositionChainEntry) error {
	err := s.Transaction(ctx, func(tx *Store) error {
		var existing models.RepositionChainEntry
		err := notFound(tx.db.Where("tx_signature = ?", entry.TxSignature).First(&existing).Error)
		if err == nil {
			*entry = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.db.Create(entry).Error
	})
	record("append_chain", err)
	if err != nil {
		return fmt.Errorf("failed to append reposition entry: %w", err)
	}
	return nil
}

// ListChain returns a wallet's reposition entries, newest first
func (s *Store) ListChain(ctx context.Context, wallet string, limit int) ([]models.RepositionChainEntry, error) {
	q := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entries []models.RepositionChainEntry
	err := q.Find(&entries).Error
	record("list_chain", err)
	if err != nil {
		return nil, fmt.Errorf("failed to list reposition chain for %s: %w", wallet, err)
	}
	return entries, nil
}

// FindSuccessor returns the newest entry that replaced oldPosition
func (s *Store) FindSuccessor(ctx context.Context, wallet, oldPosition string) (*models.RepositionChainEntry, error) {
	var entry models.RepositionChainEntry
	err := notFound(s.db.WithContext(ctx).
		Where("wallet_address = ? AND old_position_address = ?", wallet, oldPosition).
		Order("created_at DESC, id DESC").
		First(&entry).Error)
	record("find_successor", err)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindChainEntryBySignature returns the entry recorded for a transaction signature
func (s *Store) FindChainEntryBySignature(ctx context.Context, signature string) (*models.RepositionChainEntry, error) {
	var entry models.RepositionChainEntry
	err := notFound(s.db.WithContext(ctx).Where("tx_signature = ?", signature).First(&entry).Error)
	record("find_chain_by_signature", err)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

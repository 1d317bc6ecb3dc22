// Package store implements typed persistence over gorm. Every method is
// safe to call inside Transaction.
package store

import (
	"context"
	"errors"

	"github.com/wnt/rebin/internal/metrics"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")

	// ErrImmutable is returned when a closed position would be changed
	ErrImmutable = errors.New("closed position record is immutable")

	// ErrInsufficientCredits is returned when a debit exceeds the balance
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Store wraps a gorm handle, either the root connection or a transaction
type Store struct {
	db *gorm.DB
}

// New creates a Store over db
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn in a database transaction. Nested calls use savepoints.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func record(operation string, err error) {
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "failed"
	}
	metrics.RecordDatabaseOperation(operation, status)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

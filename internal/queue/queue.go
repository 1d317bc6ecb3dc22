// Package queue schedules wallets for periodic monitoring. Wallets sit in a
// sorted set scored by the unix time they are next due; claimed wallets are
// tracked as in-flight until released.
package queue

import (
	"context"
	"time"
)

// Schedule is a due-time queue of wallets
type Schedule interface {
	// Add schedules wallet at at unless it is already scheduled
	Add(ctx context.Context, wallet string, at time.Time) error
	// Reschedule sets the next due time of wallet
	Reschedule(ctx context.Context, wallet string, at time.Time) error
	// Remove drops wallet from the schedule
	Remove(ctx context.Context, wallet string) error
	// ClaimDue takes up to limit wallets due at now and marks them in-flight
	ClaimDue(ctx context.Context, now time.Time, limit int64, worker string) ([]string, error)
	// Release clears the in-flight mark of wallet
	Release(ctx context.Context, wallet string) error
	// RequeueStuck makes wallets in flight for longer than timeout due again
	RequeueStuck(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
	Length(ctx context.Context) (int64, error)
	Close() error
}

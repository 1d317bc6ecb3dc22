package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based)
type BackoffFunc func(attempt int) time.Duration

// Policy describes how an operation is retried
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	// Retryable reports whether an error is worth another attempt.
	// A nil predicate retries every error.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// ErrExhausted is wrapped into the error returned once every attempt has failed
var ErrExhausted = errors.New("retry attempts exhausted")

// Exponential doubles base each attempt and caps the result at max
func Exponential(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

// Fixed waits the same delay between every attempt
func Fixed(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// WithSleep returns a copy of the policy using the given sleep function.
// Tests use it to avoid real waiting.
func (p Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

// NoSleep skips delays entirely while still honouring cancellation
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached. It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = contextSleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}

	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

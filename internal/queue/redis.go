package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	scheduleKey = "monitor_schedule"
	inFlightKey = "monitor_inflight"
)

// Redis is a Schedule shared by every monitor using the same server
type Redis struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedis connects to redisURL
func NewRedis(ctx context.Context, redisURL, prefix string, logger zerolog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().Str("redis_addr", opt.Addr).Msg("Connected to Redis successfully")
	return NewRedisFromClient(client, prefix, logger), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, prefix string, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Add(ctx context.Context, wallet string, at time.Time) error {
	err := r.client.ZAddNX(ctx, r.key(scheduleKey), redis.Z{
		Score:  float64(at.Unix()),
		Member: wallet,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule wallet: %w", err)
	}
	return nil
}

func (r *Redis) Reschedule(ctx context.Context, wallet string, at time.Time) error {
	err := r.client.ZAdd(ctx, r.key(scheduleKey), redis.Z{
		Score:  float64(at.Unix()),
		Member: wallet,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to reschedule wallet: %w", err)
	}

	r.logger.Debug().
		Str("wallet", wallet).
		Time("due", at).
		Msg("Rescheduled wallet")
	return nil
}

func (r *Redis) Remove(ctx context.Context, wallet string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key(scheduleKey), wallet)
	pipe.HDel(ctx, r.key(inFlightKey), wallet)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove wallet: %w", err)
	}
	return nil
}

// ClaimDue removes due wallets from the schedule one by one; a wallet
// another monitor removed first is skipped.
func (r *Redis) ClaimDue(ctx context.Context, now time.Time, limit int64, worker string) ([]string, error) {
	due, err := r.client.ZRangeByScore(ctx, r.key(scheduleKey), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due wallets: %w", err)
	}

	claimed := make([]string, 0, len(due))
	for _, wallet := range due {
		removed, err := r.client.ZRem(ctx, r.key(scheduleKey), wallet).Result()
		if err != nil {
			return claimed, fmt.Errorf("failed to claim wallet: %w", err)
		}
		if removed == 0 {
			continue
		}
		value := fmt.Sprintf("%s,%d", worker, now.Unix())
		if err := r.client.HSet(ctx, r.key(inFlightKey), wallet, value).Err(); err != nil {
			return claimed, fmt.Errorf("failed to set wallet in-flight: %w", err)
		}
		claimed = append(claimed, wallet)
	}

	if len(claimed) > 0 {
		r.logger.Debug().Int("count", len(claimed)).Str("worker", worker).Msg("Claimed due wallets")
	}
	return claimed, nil
}

func (r *Redis) Release(ctx context.Context, wallet string) error {
	if err := r.client.HDel(ctx, r.key(inFlightKey), wallet).Err(); err != nil {
		return fmt.Errorf("failed to remove wallet from in-flight: %w", err)
	}
	return nil
}

func (r *Redis) RequeueStuck(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	inFlight, err := r.client.HGetAll(ctx, r.key(inFlightKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get in-flight wallets: %w", err)
	}

	cutoff := now.Add(-timeout).Unix()
	requeued := 0
	for wallet, value := range inFlight {
		worker, started, ok := parseInFlight(value)
		if !ok {
			r.logger.Warn().Str("wallet", wallet).Str("value", value).Msg("Invalid in-flight value format")
			continue
		}
		if started >= cutoff {
			continue
		}

		if err := r.Add(ctx, wallet, now); err != nil {
			r.logger.Error().Err(err).Str("wallet", wallet).Msg("Failed to requeue stuck wallet")
			continue
		}
		if err := r.Release(ctx, wallet); err != nil {
			r.logger.Error().Err(err).Str("wallet", wallet).Msg("Failed to remove requeued wallet from in-flight")
		}

		requeued++
		r.logger.Info().
			Str("wallet", wallet).
			Str("worker", worker).
			Int64("stuck_minutes", (now.Unix()-started)/60).
			Msg("Requeued stuck wallet")
	}
	return requeued, nil
}

func (r *Redis) Length(ctx context.Context) (int64, error) {
	length, err := r.client.ZCard(ctx, r.key(scheduleKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to get schedule length: %w", err)
	}
	return length, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// parseInFlight splits the in-flight value format "worker,unix"
func parseInFlight(value string) (string, int64, bool) {
	worker, ts, ok := strings.Cut(value, ",")
	if !ok {
		return "", 0, false
	}
	started, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return worker, started, true
}

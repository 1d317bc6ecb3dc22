// Package price fetches spot token prices with retries and an optional
// pool-ratio fallback.
package price

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/cache"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/retry"
)

const (
	fetchTimeout = 10 * time.Second

	// SourcePoolRatio marks prices derived from the pool instead of a quote
	SourcePoolRatio = "pool-ratio"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrInvalidPair      = errors.New("invalid token pair")
	ErrZeroPrice        = errors.New("price source returned zero price")
)

// Source queries an upstream for USD prices of the given mints
type Source interface {
	Name() string
	Fetch(ctx context.Context, mints []string) (map[string]float64, error)
}

// Pair identifies two tokens by mint
type Pair struct {
	MintA string `json:"mintA"`
	MintB string `json:"mintB"`
}

// Prices is the result of a fetch. Estimated prices come from the pool
// ratio with token B assumed to be the USD side and must not be used for
// settlement.
type Prices struct {
	PriceA    float64   `json:"priceA"`
	PriceB    float64   `json:"priceB"`
	Estimated bool      `json:"estimated"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Client fetches prices from a Source
type Client struct {
	source   Source
	cache    cache.Cache
	cacheTTL time.Duration
	backoff  retry.BackoffFunc
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithCache caches successful quotes for ttl
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(cl *Client) {
		cl.cache = c
		cl.cacheTTL = ttl
	}
}

// WithSleep replaces the delay between attempts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(cl *Client) {
		cl.sleep = sleep
	}
}

// NewClient creates a price client
func NewClient(source Source, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		source:  source,
		backoff: retry.Exponential(time.Second, 5*time.Second),
		now:     time.Now,
		logger:  logger.With().Str("component", "price_oracle").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(pair Pair) string {
	return fmt.Sprintf("price:%s:%s", pair.MintA, pair.MintB)
}

// FetchPrices returns the USD prices of both tokens of pair, trying the
// source up to maxAttempts times. When every attempt fails and
// fallbackPoolPrice is positive, an estimated price is returned instead of
// an error.
func (c *Client) FetchPrices(ctx context.Context, pair Pair, maxAttempts int, fallbackPoolPrice *float64) (*Prices, error) {
	if pair.MintA == "" || pair.MintB == "" {
		return nil, ErrInvalidPair
	}

	if cached, ok := c.fromCache(ctx, pair); ok {
		return cached, nil
	}

	policy := retry.Policy{
		MaxAttempts: maxAttempts,
		Backoff:     c.backoff,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("mint_a", pair.MintA).
				Str("mint_b", pair.MintB).
				Msg("Price fetch failed, retrying")
		},
	}
	if c.sleep != nil {
		policy = policy.WithSleep(c.sleep)
	}

	var result *Prices
	attempts, err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		prices, err := c.fetchOnce(ctx, pair)
		if err != nil {
			return err
		}
		result = prices
		return nil
	})
	if err == nil {
		c.toCache(ctx, pair, result)
		return result, nil
	}

	if fallbackPoolPrice != nil && *fallbackPoolPrice > 0 {
		metrics.RecordPriceFetch("fallback")
		c.logger.Warn().
			Err(err).
			Int("attempts", attempts).
			Float64("pool_price", *fallbackPoolPrice).
			Msg("Price source unavailable, using pool ratio")
		return &Prices{
			PriceA:    *fallbackPoolPrice,
			PriceB:    1,
			Estimated: true,
			Source:    SourcePoolRatio,
			FetchedAt: c.now(),
		}, nil
	}

	metrics.RecordPriceFetch("unavailable")
	return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
}

func (c *Client) fetchOnce(ctx context.Context, pair Pair) (*Prices, error) {
	callCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	quotes, err := c.source.Fetch(callCtx, []string{pair.MintA, pair.MintB})
	if err != nil {
		metrics.RecordPriceFetch(classify(err))
		return nil, err
	}

	a, b := quotes[pair.MintA], quotes[pair.MintB]
	if a == 0 || b == 0 {
		metrics.RecordPriceFetch("bad_read")
		return nil, ErrZeroPrice
	}

	metrics.RecordPriceFetch("success")
	return &Prices{
		PriceA:    a,
		PriceB:    b,
		Source:    c.source.Name(),
		FetchedAt: c.now(),
	}, nil
}

// classify buckets a transport failure for metrics
func classify(err error) string {
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		return "network"
	default:
		return "other"
	}
}

func (c *Client) fromCache(ctx context.Context, pair Pair) (*Prices, bool) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return nil, false
	}
	var prices Prices
	err := cache.GetJSON(ctx, c.cache, cacheKey(pair), &prices)
	switch {
	case err == nil:
		metrics.RecordCacheOperation("hit")
		return &prices, true
	case errors.Is(err, cache.ErrMiss):
		metrics.RecordCacheOperation("miss")
	default:
		metrics.RecordCacheOperation("error")
		c.logger.Warn().Err(err).Msg("Price cache read failed")
	}
	return nil, false
}

func (c *Client) toCache(ctx context.Context, pair Pair, prices *Prices) {
	if c.cache == nil || c.cacheTTL <= 0 || prices.Estimated {
		return
	}
	if err := cache.SetJSON(ctx, c.cache, cacheKey(pair), prices, c.cacheTTL); err != nil {
		metrics.RecordCacheOperation("error")
		c.logger.Warn().Err(err).Msg("Price cache write failed")
	}
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/metrics"
	"golang.org/x/time/rate"
)

// unhealthyProbeDelay is how long an unhealthy endpoint sits out before it
// is tried again
const unhealthyProbeDelay = 30 * time.Second

var ErrNoEndpoints = errors.New("no RPC endpoints configured")

// Pool manages a pool of RPC endpoints with load balancing and rate limiting
type Pool struct {
	endpoints []*Endpoint
	current   int
	mutex     sync.Mutex
	logger    zerolog.Logger
}

// Endpoint represents a single RPC endpoint with its own rate limiter
type Endpoint struct {
	URL           string
	client        *solrpc.Client
	limiter       *rate.Limiter
	healthy       bool
	cooldownUntil time.Time
	mutex         sync.RWMutex
}

// NewPool creates a new RPC pool allowing rps requests per second per endpoint
func NewPool(urls []string, rps float64, logger zerolog.Logger) *Pool {
	burst := int(rps) * 2
	if burst < 1 {
		burst = 1
	}

	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL:     url,
			client:  solrpc.New(url),
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			healthy: true,
		}
		metrics.SetRPCEndpointHealth(url, true)
	}

	start := 0
	if len(endpoints) > 0 {
		start = rand.Intn(len(endpoints))
	}

	return &Pool{
		endpoints: endpoints,
		current:   start,
		logger:    logger.With().Str("component", "rpc_pool").Logger(),
	}
}

// GetClient returns the next available RPC client using round-robin
func (p *Pool) GetClient(ctx context.Context) (*solrpc.Client, string, error) {
	if len(p.endpoints) == 0 {
		return nil, "", ErrNoEndpoints
	}

	p.mutex.Lock()
	startIndex := p.current
	for attempts := 0; attempts < len(p.endpoints); attempts++ {
		endpoint := p.endpoints[p.current]
		p.current = (p.current + 1) % len(p.endpoints)

		endpoint.mutex.RLock()
		inCooldown := time.Now().Before(endpoint.cooldownUntil)
		endpoint.mutex.RUnlock()

		// Unhealthy endpoints stay in cooldown until they may be probed again
		if inCooldown {
			p.logger.Debug().
				Str("endpoint", endpoint.URL).
				Msg("Endpoint in cooldown, skipping")
			continue
		}

		if endpoint.limiter.Allow() {
			p.mutex.Unlock()
			return endpoint.client, endpoint.URL, nil
		}

		p.logger.Debug().
			Str("endpoint", endpoint.URL).
			Msg("Endpoint rate limited, trying next")
	}
	endpoint := p.endpoints[startIndex]
	p.mutex.Unlock()

	// All endpoints are rate limited or cooling down, wait on the first one
	p.logger.Debug().
		Str("endpoint", endpoint.URL).
		Msg("All endpoints busy, waiting for availability")

	if err := endpoint.limiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	return endpoint.client, endpoint.URL, nil
}

func (p *Pool) find(url string) *Endpoint {
	for _, endpoint := range p.endpoints {
		if endpoint.URL == url {
			return endpoint
		}
	}
	return nil
}

// MarkUnhealthy marks an endpoint as unhealthy and rests it briefly
func (p *Pool) MarkUnhealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}

	endpoint.mutex.Lock()
	endpoint.healthy = false
	if until := time.Now().Add(unhealthyProbeDelay); until.After(endpoint.cooldownUntil) {
		endpoint.cooldownUntil = until
	}
	endpoint.mutex.Unlock()

	metrics.SetRPCEndpointHealth(url, false)
	p.logger.Warn().Str("endpoint", url).Msg("Marked endpoint as unhealthy")
}

// MarkHealthy marks an endpoint as healthy
func (p *Pool) MarkHealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}

	endpoint.mutex.Lock()
	wasHealthy := endpoint.healthy
	endpoint.healthy = true
	endpoint.cooldownUntil = time.Time{}
	endpoint.mutex.Unlock()

	if !wasHealthy {
		metrics.SetRPCEndpointHealth(url, true)
		p.logger.Info().Str("endpoint", url).Msg("Marked endpoint as healthy")
	}
}

// SetCooldown puts an endpoint in cooldown for the specified duration
func (p *Pool) SetCooldown(url string, duration time.Duration) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}

	endpoint.mutex.Lock()
	endpoint.cooldownUntil = time.Now().Add(duration)
	endpoint.mutex.Unlock()

	p.logger.Warn().
		Str("endpoint", url).
		Dur("duration", duration).
		Msg("Set endpoint cooldown")
}

// GetHealthyEndpointCount returns the number of healthy endpoints
func (p *Pool) GetHealthyEndpointCount() int {
	count := 0
	now := time.Now()
	for _, endpoint := range p.endpoints {
		endpoint.mutex.RLock()
		if endpoint.healthy && !now.Before(endpoint.cooldownUntil) {
			count++
		}
		endpoint.mutex.RUnlock()
	}
	return count
}

// EndpointStats describes one endpoint
type EndpointStats struct {
	URL           string    `json:"url"`
	Healthy       bool      `json:"healthy"`
	InCooldown    bool      `json:"in_cooldown"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Stats describes the pool
type Stats struct {
	TotalEndpoints   int             `json:"total_endpoints"`
	HealthyEndpoints int             `json:"healthy_endpoints"`
	Endpoints        []EndpointStats `json:"endpoints"`
}

// GetStats returns pool statistics
func (p *Pool) GetStats() Stats {
	stats := Stats{
		TotalEndpoints:   len(p.endpoints),
		HealthyEndpoints: p.GetHealthyEndpointCount(),
		Endpoints:        make([]EndpointStats, len(p.endpoints)),
	}

	now := time.Now()
	for i, endpoint := range p.endpoints {
		endpoint.mutex.RLock()
		stats.Endpoints[i] = EndpointStats{
			URL:           endpoint.URL,
			Healthy:       endpoint.healthy,
			InCooldown:    now.Before(endpoint.cooldownUntil),
			CooldownUntil: endpoint.cooldownUntil,
		}
		endpoint.mutex.RUnlock()
	}

	return stats
}

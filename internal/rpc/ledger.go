package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/logger"
	"github.com/wnt/rebin/internal/metrics"
)

// rateLimitCooldown is applied to endpoints that answer 429 or 503
const rateLimitCooldown = 5 * time.Minute

// Ledger implements chain.Ledger over the endpoint pool. Each call makes a
// single attempt; retries belong to the caller.
type Ledger struct {
	pool       *Pool
	timeout    time.Duration
	commitment solrpc.CommitmentType
	logger     zerolog.Logger
}

var _ chain.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger with a per-call timeout
func NewLedger(pool *Pool, timeout time.Duration, logger zerolog.Logger) *Ledger {
	return &Ledger{
		pool:       pool,
		timeout:    timeout,
		commitment: solrpc.CommitmentConfirmed,
		logger:     logger.With().Str("component", "rpc_ledger").Logger(),
	}
}

func (l *Ledger) call(ctx context.Context, method string, fn func(ctx context.Context, client *solrpc.Client) error) error {
	client, endpoint, err := l.pool.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to get RPC client: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx, client)
	duration := time.Since(start)

	switch {
	case err == nil:
		l.pool.MarkHealthy(endpoint)
		metrics.RecordRPCRequest(method, "success")
	case errors.Is(err, chain.ErrAccountNotFound):
		l.pool.MarkHealthy(endpoint)
		metrics.RecordRPCRequest(method, "not_found")
	case isRateLimited(err):
		l.handleRateLimit(endpoint, method)
	case isRPCError(err):
		// The node answered, the request itself was rejected
		metrics.RecordRPCRequest(method, "rpc_error")
	case ctx.Err() != nil:
		metrics.RecordRPCRequest(method, "cancelled")
	default:
		l.handleError(endpoint, method, err, duration)
	}
	if err != nil && !errors.Is(err, chain.ErrAccountNotFound) {
		return fmt.Errorf("%s on %s: %w", method, endpoint, err)
	}
	return err
}

func (l *Ledger) GetAccount(ctx context.Context, address solana.PublicKey) (*chain.Account, error) {
	var acc *chain.Account
	err := l.call(ctx, "getAccountInfo", func(ctx context.Context, client *solrpc.Client) error {
		out, err := client.GetAccountInfoWithOpts(ctx, address, &solrpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: l.commitment,
		})
		if errors.Is(err, solrpc.ErrNotFound) || (err == nil && (out == nil || out.Value == nil)) {
			return chain.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		acc = toAccount(address, out.Value, out.Context.Slot)
		return nil
	})
	return acc, err
}

func (l *Ledger) GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*chain.Account, error) {
	accs := make([]*chain.Account, len(addresses))
	if len(addresses) == 0 {
		return accs, nil
	}
	err := l.call(ctx, "getMultipleAccounts", func(ctx context.Context, client *solrpc.Client) error {
		out, err := client.GetMultipleAccountsWithOpts(ctx, addresses, &solrpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: l.commitment,
		})
		if err != nil {
			return err
		}
		for i, value := range out.Value {
			if i < len(accs) && value != nil {
				accs[i] = toAccount(addresses[i], value, out.Context.Slot)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accs, nil
}

func (l *Ledger) ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...chain.Memcmp) ([]*chain.Account, error) {
	rpcFilters := make([]solrpc.RPCFilter, len(filters))
	for i, f := range filters {
		rpcFilters[i] = solrpc.RPCFilter{
			Memcmp: &solrpc.RPCFilterMemcmp{Offset: f.Offset, Bytes: solana.Base58(f.Bytes)},
		}
	}

	var accs []*chain.Account
	err := l.call(ctx, "getProgramAccounts", func(ctx context.Context, client *solrpc.Client) error {
		out, err := client.GetProgramAccountsWithOpts(ctx, program, &solrpc.GetProgramAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: l.commitment,
			Filters:    rpcFilters,
		})
		if err != nil {
			return err
		}
		accs = make([]*chain.Account, 0, len(out))
		for _, keyed := range out {
			if keyed == nil || keyed.Account == nil {
				continue
			}
			accs = append(accs, toAccount(keyed.Pubkey, keyed.Account, 0))
		}
		return nil
	})
	return accs, err
}

func (l *Ledger) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := l.call(ctx, "getSlot", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		slot, err = client.GetSlot(ctx, l.commitment)
		return err
	})
	return slot, err
}

func (l *Ledger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := l.call(ctx, "getLatestBlockhash", func(ctx context.Context, client *solrpc.Client) error {
		out, err := client.GetLatestBlockhash(ctx, solrpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return errors.New("empty blockhash response")
		}
		hash = out.Value.Blockhash
		return nil
	})
	return hash, err
}

func toAccount(address solana.PublicKey, value *solrpc.Account, slot uint64) *chain.Account {
	acc := &chain.Account{
		Address:  address,
		Owner:    value.Owner,
		Lamports: value.Lamports,
		Slot:     slot,
	}
	if value.Data != nil {
		acc.Data = value.Data.GetBinary()
	}
	return acc
}

func isRateLimited(err error) bool {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests || httpErr.Code == http.StatusServiceUnavailable
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "Too Many Requests")
}

func isRPCError(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}

// handleError marks the endpoint unhealthy on transport failures
func (l *Ledger) handleError(endpoint, method string, err error, duration time.Duration) {
	log := logger.WithRPCEndpoint(l.logger, endpoint)
	log.Error().
		Err(err).
		Str("method", method).
		Dur("duration", duration).
		Msg("RPC request failed")

	l.pool.MarkUnhealthy(endpoint)
	metrics.RecordRPCRequest(method, "error")
}

// handleRateLimit handles rate limiting by setting cooldown
func (l *Ledger) handleRateLimit(endpoint, method string) {
	log := logger.WithRPCEndpoint(l.logger, endpoint)
	log.Warn().
		Str("method", method).
		Msg("Rate limited by endpoint")

	l.pool.SetCooldown(endpoint, rateLimitCooldown)
	metrics.RecordRPCRequest(method, "rate_limited")
}

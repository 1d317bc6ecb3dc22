// Package chain reads DLMM positions and pools from the ledger with address
// validation, bounded retries and typed decoding.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/dlmm"
	"github.com/wnt/rebin/internal/retry"
)

// ErrInvalidAddress is returned before any network call for malformed addresses
var ErrInvalidAddress = errors.New("invalid address")

// Reader reads live position and pool state
type Reader struct {
	ledger Ledger
	quoter Quoter
	policy retry.Policy
	logger zerolog.Logger
}

// NewReader creates a reader. quoter may be nil, in which case token
// amounts and pool prices are reported as unavailable.
func NewReader(ledger Ledger, quoter Quoter, logger zerolog.Logger) *Reader {
	r := &Reader{
		ledger: ledger,
		quoter: quoter,
		logger: logger.With().Str("component", "chain_reader").Logger(),
	}
	r.policy = retry.Policy{
		MaxAttempts: 3,
		Backoff:     retry.Fixed(time.Second),
		Retryable:   isRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Ledger read failed, retrying")
		},
	}
	return r
}

// WithSleep replaces the delay between retries, used by tests
func (r *Reader) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Reader {
	r.policy = r.policy.WithSleep(sleep)
	return r
}

// ParseAddress validates a base58 32-byte public key
func ParseAddress(address string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	pk, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, address, err)
	}
	return pk, nil
}

func isRetryable(err error) bool {
	return !errors.Is(err, ErrAccountNotFound) && !errors.Is(err, context.Canceled)
}

func (r *Reader) getAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	var acc *Account
	_, err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		acc, err = r.ledger.GetAccount(ctx, address)
		return err
	})
	return acc, err
}

func (r *Reader) getAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*Account, error) {
	var accs []*Account
	_, err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		accs, err = r.ledger.GetAccounts(ctx, addresses)
		return err
	})
	return accs, err
}

// ReadPosition reads a position, its pool and its quote
func (r *Reader) ReadPosition(ctx context.Context, positionID string) (*Snapshot, error) {
	address, err := ParseAddress(positionID)
	if err != nil {
		return nil, err
	}

	acc, err := r.getAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("read position %s: %w", positionID, err)
	}
	pos, ok := dlmm.DecodePosition(acc.Data)
	if !ok {
		return nil, fmt.Errorf("read position %s: %w", positionID, ErrAccountNotFound)
	}

	pool, err := r.readPool(ctx, pos.LbPair)
	if err != nil {
		return nil, err
	}

	snap := r.snapshot(address, acc.Slot, pos, pool)
	r.quote(ctx, snap)
	return snap, nil
}

// ReadPool reads a pair with reserves, decimals and price
func (r *Reader) ReadPool(ctx context.Context, poolAddress string) (*PoolState, error) {
	address, err := ParseAddress(poolAddress)
	if err != nil {
		return nil, err
	}
	return r.readPool(ctx, address)
}

func (r *Reader) readPool(ctx context.Context, address solana.PublicKey) (*PoolState, error) {
	acc, err := r.getAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("read pool %s: %w", address, err)
	}
	pair, ok := dlmm.DecodeLbPair(acc.Data)
	if !ok {
		return nil, fmt.Errorf("read pool %s: %w", address, ErrAccountNotFound)
	}

	pool := &PoolState{
		Address:     address.String(),
		ActiveBinID: pair.ActiveID,
		BinStep:     pair.BinStep,
		TokenXMint:  pair.TokenXMint.String(),
		TokenYMint:  pair.TokenYMint.String(),
		ReserveX:    pair.ReserveX.String(),
		ReserveY:    pair.ReserveY.String(),
		Slot:        acc.Slot,
	}

	accs, err := r.getAccounts(ctx, []solana.PublicKey{pair.TokenXMint, pair.TokenYMint, pair.ReserveX, pair.ReserveY})
	if err != nil {
		return nil, fmt.Errorf("read pool %s accounts: %w", address, err)
	}
	if len(accs) != 4 || accs[0] == nil || accs[1] == nil {
		return nil, fmt.Errorf("read pool %s mints: %w", address, ErrAccountNotFound)
	}
	if pool.DecimalsX, ok = dlmm.DecodeMintDecimals(accs[0].Data); !ok {
		return nil, fmt.Errorf("read pool %s mint x: %w", address, ErrAccountNotFound)
	}
	if pool.DecimalsY, ok = dlmm.DecodeMintDecimals(accs[1].Data); !ok {
		return nil, fmt.Errorf("read pool %s mint y: %w", address, ErrAccountNotFound)
	}
	if accs[2] != nil {
		if reserve, ok := dlmm.DecodeTokenAccount(accs[2].Data); ok {
			pool.ReserveXAmount = toUI(reserve.Amount, pool.DecimalsX)
		}
	}
	if accs[3] != nil {
		if reserve, ok := dlmm.DecodeTokenAccount(accs[3].Data); ok {
			pool.ReserveYAmount = toUI(reserve.Amount, pool.DecimalsY)
		}
	}

	if r.quoter != nil {
		price, err := r.quoter.PairPrice(ctx, pool.Address)
		if err != nil {
			r.logger.Warn().Err(err).Str("pool", pool.Address).Msg("Pool price unavailable")
		} else if price > 0 {
			pool.Price = price
			pool.PriceAvailable = true
		}
	}

	return pool, nil
}

// ListOwnerPositions returns every live position owned by wallet
func (r *Reader) ListOwnerPositions(ctx context.Context, wallet string) ([]*Snapshot, error) {
	owner, err := ParseAddress(wallet)
	if err != nil {
		return nil, err
	}

	var accs []*Account
	_, err = r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		accs, err = r.ledger.ProgramAccounts(ctx, dlmm.ProgramID,
			Memcmp{Offset: 0, Bytes: dlmm.PositionDiscriminator()},
			Memcmp{Offset: dlmm.PositionOwnerOffset, Bytes: owner[:]},
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list positions of %s: %w", wallet, err)
	}

	pools := make(map[solana.PublicKey]*PoolState)
	snapshots := make([]*Snapshot, 0, len(accs))
	for _, acc := range accs {
		pos, ok := dlmm.DecodePosition(acc.Data)
		if !ok || !pos.Owner.Equals(owner) {
			r.logger.Debug().Str("account", acc.Address.String()).Msg("Skipping undecodable position account")
			continue
		}

		pool, seen := pools[pos.LbPair]
		if !seen {
			if pool, err = r.readPool(ctx, pos.LbPair); err != nil {
				return nil, err
			}
			pools[pos.LbPair] = pool
		}

		snap := r.snapshot(acc.Address, acc.Slot, pos, pool)
		r.quote(ctx, snap)
		snapshots = append(snapshots, snap)
	}

	return snapshots, nil
}

// LatestBlockhash returns a recent blockhash with the reader's retry policy
func (r *Reader) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	_, err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		hash, err = r.ledger.LatestBlockhash(ctx)
		return err
	})
	return hash, err
}

func (r *Reader) snapshot(address solana.PublicKey, slot uint64, pos dlmm.Position, pool *PoolState) *Snapshot {
	snap := &Snapshot{
		PositionAddress:  address.String(),
		PoolAddress:      pool.Address,
		Owner:            pos.Owner.String(),
		LowerBinID:       pos.LowerBinID,
		UpperBinID:       pos.UpperBinID,
		Pool:             *pool,
		PendingFeesX:     toUI(pos.PendingFeeX, pool.DecimalsX),
		PendingFeesY:     toUI(pos.PendingFeeY, pool.DecimalsY),
		TotalClaimedFeeX: toUI(pos.TotalClaimedFeeX, pool.DecimalsX),
		TotalClaimedFeeY: toUI(pos.TotalClaimedFeeY, pool.DecimalsY),
		Slot:             slot,
	}
	if pos.LastUpdatedAt > 0 {
		snap.LastUpdatedAt = time.Unix(pos.LastUpdatedAt, 0).UTC()
	}
	return snap
}

// quote fills token amounts from the quoter. Failure degrades the snapshot.
func (r *Reader) quote(ctx context.Context, snap *Snapshot) {
	if r.quoter == nil {
		return
	}
	q, err := r.quoter.QuotePosition(ctx, snap.PositionAddress, snap.Pool.DecimalsX, snap.Pool.DecimalsY)
	if err != nil {
		r.logger.Warn().Err(err).Str("position", snap.PositionAddress).Msg("Position quote unavailable")
		return
	}
	snap.AmountX = q.AmountX
	snap.AmountY = q.AmountY
	snap.ClaimedFeesUSD = q.ClaimedFeesUSD
	if q.HasPendingFees {
		snap.PendingFeesX = q.PendingFeesX
		snap.PendingFeesY = q.PendingFeesY
		snap.PendingFeesUSD = q.PendingFeesUSD
	}
	snap.QuoteAvailable = true
}

func toUI(amount uint64, decimals uint8) float64 {
	return float64(amount) / math.Pow10(int(decimals))
}

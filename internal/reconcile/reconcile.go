// Package reconcile merges live on-chain positions with the historical
// database view into one consistent list per wallet.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/logger"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/price"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolMismatch marks a position whose database and chain pools differ
	ErrPoolMismatch = errors.New("pool address mismatch between database and chain")
	// ErrLiveUnavailable is returned when no source answered and the chain failed
	ErrLiveUnavailable = errors.New("on-chain positions unavailable")
	// ErrHistoryUnavailable is returned when the only requested source, the database, failed
	ErrHistoryUnavailable = errors.New("position history unavailable")
)

const priceConcurrency = 4

// HistoryStore is the database side of a reconciliation
type HistoryStore interface {
	ListPositionsByOwner(ctx context.Context, owner string) ([]models.PositionRecord, error)
}

// LiveReader is the on-chain side of a reconciliation
type LiveReader interface {
	ListOwnerPositions(ctx context.Context, wallet string) ([]*chain.Snapshot, error)
}

// PriceFetcher values live positions
type PriceFetcher interface {
	FetchPrices(ctx context.Context, pair price.Pair, maxAttempts int, fallbackPoolPrice *float64) (*price.Prices, error)
}

// Options tune a Reconciler
type Options struct {
	// DefaultTolerance applies when a range width is unknown
	DefaultTolerance int32
	PriceAttempts    int
}

// Reconciler merges both position sources
type Reconciler struct {
	history HistoryStore
	live    LiveReader
	prices  PriceFetcher
	opts    Options
	logger  zerolog.Logger
}

// New creates a reconciler. prices may be nil, leaving USD fields zero.
func New(history HistoryStore, live LiveReader, prices PriceFetcher, opts Options, log zerolog.Logger) *Reconciler {
	if opts.DefaultTolerance <= 0 {
		opts.DefaultTolerance = 10
	}
	if opts.PriceAttempts <= 0 {
		opts.PriceAttempts = 3
	}
	return &Reconciler{
		history: history,
		live:    live,
		prices:  prices,
		opts:    opts,
		logger:  logger.WithComponent(log, "reconciler"),
	}
}

// GetUserPositions returns the merged positions of wallet. A failing source
// is reported in SourceErrors while the other is still merged; the call
// only fails when every requested source failed.
func (r *Reconciler) GetUserPositions(ctx context.Context, wallet string, includeHistorical, includeLive bool) (*Result, error) {
	if _, err := chain.ParseAddress(wallet); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.RecordReconcile(time.Since(start).Seconds())
	}()
	log := logger.WithWallet(r.logger, wallet)

	var (
		records   []models.PositionRecord
		snapshots []*chain.Snapshot
		dbErr     error
		chainErr  error
	)

	// Sources fail independently so neither cancels the other
	var g errgroup.Group
	if includeHistorical {
		g.Go(func() error {
			records, dbErr = r.history.ListPositionsByOwner(ctx, wallet)
			return nil
		})
	}
	if includeLive {
		g.Go(func() error {
			snapshots, chainErr = r.live.ListOwnerPositions(ctx, wallet)
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{Positions: []MergedPosition{}}
	if dbErr != nil {
		metrics.RecordReconcileSourceError(string(SourceDatabase))
		log.Error().Err(dbErr).Msg("Failed to load position history")
		result.addSourceError(SourceDatabase, "position history unavailable")
	}
	if chainErr != nil {
		metrics.RecordReconcileSourceError(string(SourceBlockchain))
		log.Error().Err(chainErr).Msg("Failed to read on-chain positions")
		result.addSourceError(SourceBlockchain, "on-chain positions unavailable")
	}

	historyFailed := !includeHistorical || dbErr != nil
	liveFailed := !includeLive || chainErr != nil
	if historyFailed && liveFailed && (dbErr != nil || chainErr != nil) {
		if chainErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrLiveUnavailable, chainErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrHistoryUnavailable, dbErr)
	}

	r.merge(ctx, result, records, snapshots)

	log.Debug().
		Int("total", result.Summary.Total).
		Int("merged", result.Summary.Merged).
		Int("conflicts", len(result.Conflicts)).
		Msg("Reconciled positions")

	return result, nil
}

func (r *Result) addSourceError(source Source, msg string) {
	if r.SourceErrors == nil {
		r.SourceErrors = make(map[Source]string)
	}
	r.SourceErrors[source] = msg
}

func (r *Reconciler) merge(ctx context.Context, result *Result, records []models.PositionRecord, snapshots []*chain.Snapshot) {
	byID := make(map[string]*models.PositionRecord, len(records))
	for i := range records {
		byID[records[i].PositionAddress] = &records[i]
	}

	type live struct {
		index int
		snap  *chain.Snapshot
		rec   *models.PositionRecord
	}
	var lives []live
	seen := make(map[string]bool, len(snapshots))

	for _, snap := range snapshots {
		if snap == nil || seen[snap.PositionAddress] {
			continue
		}
		seen[snap.PositionAddress] = true

		rec, ok := byID[snap.PositionAddress]
		if !ok {
			result.Positions = append(result.Positions, fromChain(snap, r.opts.DefaultTolerance))
			lives = append(lives, live{index: len(result.Positions) - 1, snap: snap})
			continue
		}
		if rec.PoolAddress != snap.PoolAddress {
			r.logger.Error().
				Err(ErrPoolMismatch).
				Str("position", snap.PositionAddress).
				Str("database_pool", rec.PoolAddress).
				Str("chain_pool", snap.PoolAddress).
				Msg("Position sources disagree")
			result.Conflicts = append(result.Conflicts, Conflict{
				PositionID:   snap.PositionAddress,
				DatabasePool: rec.PoolAddress,
				ChainPool:    snap.PoolAddress,
				Reason:       ErrPoolMismatch.Error(),
			})
			continue
		}
		result.Positions = append(result.Positions, mergeBoth(snap, rec, r.opts.DefaultTolerance))
		lives = append(lives, live{index: len(result.Positions) - 1, snap: snap, rec: rec})
	}

	for i := range records {
		rec := &records[i]
		if seen[rec.PositionAddress] {
			continue
		}
		result.Positions = append(result.Positions, fromDatabase(rec))
	}

	if len(lives) > 0 && r.prices != nil {
		snaps := make([]*chain.Snapshot, len(lives))
		for i, l := range lives {
			snaps[i] = l.snap
		}
		priced := r.priceSnapshots(ctx, snaps)
		for _, l := range lives {
			if p, ok := priced[l.snap.PoolAddress]; ok {
				applyPrices(&result.Positions[l.index], l.snap, p, l.rec)
			}
		}
	}

	sortPositions(result.Positions)
	result.Summary = summarize(result.Positions)
}

// priceSnapshots fetches prices once per distinct pool, concurrently. Pools
// that cannot be priced are absent from the result.
func (r *Reconciler) priceSnapshots(ctx context.Context, snaps []*chain.Snapshot) map[string]*price.Prices {
	pools := make(map[string]*chain.Snapshot)
	for _, s := range snaps {
		if _, ok := pools[s.PoolAddress]; !ok {
			pools[s.PoolAddress] = s
		}
	}

	var (
		mu     sync.Mutex
		priced = make(map[string]*price.Prices, len(pools))
	)
	var g errgroup.Group
	g.SetLimit(priceConcurrency)
	for pool, snap := range pools {
		g.Go(func() error {
			var fallback *float64
			if snap.Pool.PriceAvailable {
				p := snap.Pool.Price
				fallback = &p
			}
			pair := price.Pair{MintA: snap.Pool.TokenXMint, MintB: snap.Pool.TokenYMint}
			prices, err := r.prices.FetchPrices(ctx, pair, r.opts.PriceAttempts, fallback)
			if err != nil {
				r.logger.Warn().Err(err).Str("pool", pool).Msg("Failed to price pool")
				return nil
			}
			mu.Lock()
			priced[pool] = prices
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return priced
}

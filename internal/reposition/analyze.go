// Package reposition decides whether a position should be moved and
// prepares the unsigned transaction that moves it. It never signs or
// submits anything.
package reposition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/dlmm"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/price"
	"github.com/wnt/rebin/internal/settings"
	"github.com/wnt/rebin/internal/store"
)

const UrgencyNone = "none"

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPoolMismatch     = errors.New("position does not belong to pool")
)

// PositionReader reads live chain state
type PositionReader interface {
	ReadPosition(ctx context.Context, positionID string) (*chain.Snapshot, error)
	ReadPool(ctx context.Context, poolAddress string) (*chain.PoolState, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// PositionStore holds historical position records
type PositionStore interface {
	GetPosition(ctx context.Context, address string) (*models.PositionRecord, error)
}

// PriceFetcher values recovered liquidity
type PriceFetcher interface {
	FetchPrices(ctx context.Context, pair price.Pair, maxAttempts int, fallbackPoolPrice *float64) (*price.Prices, error)
}

// SettingsSource provides user preferences
type SettingsSource interface {
	Get(ctx context.Context, id settings.Identity) (*models.RepositionSettings, error)
}

// BinRange is an inclusive range of bins
type BinRange struct {
	Lower int32 `json:"lower"`
	Upper int32 `json:"upper"`
}

// Width returns the number of bins covered
func (r BinRange) Width() int32 {
	return r.Upper - r.Lower + 1
}

// Recommendation is the outcome of analysing one position
type Recommendation struct {
	PositionAddress    string    `json:"positionAddress"`
	PoolAddress        string    `json:"poolAddress"`
	ShouldReposition   bool      `json:"shouldReposition"`
	Urgency            string    `json:"urgency"`
	Strategy           string    `json:"strategy"`
	ActiveBinID        int32     `json:"activeBinId"`
	ReferenceBinID     int32     `json:"referenceBinId"`
	CurrentRange       BinRange  `json:"currentRange"`
	NewRange           BinRange  `json:"newRange"`
	DistanceFromRange  int32     `json:"distanceFromRange"`
	DistanceFromCenter int32     `json:"distanceFromCenter"`
	Tolerance          int32     `json:"tolerance"`
	EstimatedGasSOL    float64   `json:"estimatedGasSol"`
	PendingFeesUSD     *float64  `json:"pendingFeesUsd,omitempty"`
	Reasons            []string  `json:"reasons"`
	Timestamp          time.Time `json:"timestamp"`
}

// Options tune the engine
type Options struct {
	DefaultWidth    int32
	PriceAttempts   int
	ProposalTTL     time.Duration
	FreshnessWindow time.Duration
}

// Engine implements analysis and transaction preparation
type Engine struct {
	reader   PositionReader
	store    PositionStore
	prices   PriceFetcher
	settings SettingsSource
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates an engine. prices may be nil, in which case recovered
// liquidity is not valued.
func New(reader PositionReader, positions PositionStore, prices PriceFetcher, prefs SettingsSource, opts Options, logger zerolog.Logger) *Engine {
	if opts.DefaultWidth <= 0 {
		opts.DefaultWidth = 20
	}
	if opts.PriceAttempts <= 0 {
		opts.PriceAttempts = 3
	}
	if opts.ProposalTTL <= 0 {
		opts.ProposalTTL = 60 * time.Second
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = 5 * time.Minute
	}
	return &Engine{
		reader:   reader,
		store:    positions,
		prices:   prices,
		settings: prefs,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "reposition_engine").Logger(),
	}
}

// WithClock replaces the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// target is the position state an analysis works from
type target struct {
	snap     *chain.Snapshot
	rec      *models.PositionRecord
	pool     *chain.PoolState
	position BinRange
	owner    string
}

// load reads the position from chain, falling back to the database record
// for range data when the account is gone
func (e *Engine) load(ctx context.Context, positionID, poolAddress string) (*target, error) {
	if _, err := chain.ParseAddress(positionID); err != nil {
		return nil, err
	}
	if poolAddress != "" {
		if _, err := chain.ParseAddress(poolAddress); err != nil {
			return nil, err
		}
	}

	t := &target{}
	rec, err := e.store.GetPosition(ctx, positionID)
	switch {
	case err == nil:
		t.rec = rec
	case errors.Is(err, store.ErrNotFound):
	default:
		e.logger.Warn().Err(err).Str("position", positionID).Msg("Position history unavailable")
	}

	snap, err := e.reader.ReadPosition(ctx, positionID)
	switch {
	case err == nil:
		t.snap = snap
		t.pool = &snap.Pool
		t.position = BinRange{Lower: snap.LowerBinID, Upper: snap.UpperBinID}
		t.owner = snap.Owner
	case errors.Is(err, chain.ErrAccountNotFound) && t.rec != nil:
		pool, err := e.reader.ReadPool(ctx, t.rec.PoolAddress)
		if err != nil {
			return nil, err
		}
		t.pool = pool
		t.position = BinRange{Lower: t.rec.LowerBinID, Upper: t.rec.UpperBinID}
		t.owner = t.rec.Owner
	case errors.Is(err, chain.ErrAccountNotFound):
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	default:
		return nil, err
	}

	if poolAddress != "" && poolAddress != t.pool.Address {
		return nil, fmt.Errorf("%w: %s is in %s", ErrPoolMismatch, positionID, t.pool.Address)
	}
	return t, nil
}

// AnalyzePosition evaluates a position against its range. It reads state
// and never mutates anything.
func (e *Engine) AnalyzePosition(ctx context.Context, positionID, poolAddress string) (*Recommendation, error) {
	t, err := e.load(ctx, positionID, poolAddress)
	if err != nil {
		return nil, err
	}
	rec := e.evaluate(positionID, t, 0)
	metrics.RecordRecommendation(rec.Urgency)
	return rec, nil
}

// AnalyzeForWallet analyses a position and filters the recommendation by
// the wallet's settings
func (e *Engine) AnalyzeForWallet(ctx context.Context, wallet, positionID, poolAddress string) (*Recommendation, error) {
	rec, err := e.AnalyzePosition(ctx, positionID, poolAddress)
	if err != nil {
		return nil, err
	}
	prefs, err := e.settings.Get(ctx, settings.Identity{WalletAddress: &wallet})
	if err != nil {
		return nil, err
	}
	ApplySettings(rec, prefs)
	return rec, nil
}

// ApplySettings turns off a recommendation the user would not act on
func ApplySettings(rec *Recommendation, prefs *models.RepositionSettings) {
	if !rec.ShouldReposition || prefs == nil {
		return
	}
	if len(prefs.AllowedStrategies) > 0 && !slices.Contains(prefs.AllowedStrategies, rec.Strategy) {
		rec.ShouldReposition = false
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("strategy %s is not allowed by settings", rec.Strategy))
	}
	if urgencyRank(rec.Urgency) < urgencyRank(prefs.UrgencyThreshold) {
		rec.ShouldReposition = false
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("urgency %s is below threshold %s", rec.Urgency, prefs.UrgencyThreshold))
	}
	if rec.PendingFeesUSD != nil && *rec.PendingFeesUSD < prefs.MinFeesUSD {
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("pending fees $%.2f are below the $%.2f minimum", *rec.PendingFeesUSD, prefs.MinFeesUSD))
	}
}

func urgencyRank(u string) int {
	switch u {
	case models.UrgencyLow:
		return 1
	case models.UrgencyMedium:
		return 2
	case models.UrgencyHigh:
		return 3
	default:
		return 0
	}
}

// evaluate classifies the drift of the active bin. width overrides the
// size of the proposed range when positive.
func (e *Engine) evaluate(positionID string, t *target, width int32) *Recommendation {
	active := t.pool.ActiveBinID
	current := t.position

	reference := current.Lower + (current.Upper-current.Lower)/2
	if t.rec != nil && t.rec.EntryBinID != nil {
		reference = *t.rec.EntryBinID
	}

	tolerance := current.Width() / 2
	if tolerance < 1 {
		tolerance = e.opts.DefaultWidth / 2
	}

	d := active - reference
	if d < 0 {
		d = -d
	}

	var urgency string
	switch {
	case d <= tolerance:
		urgency = UrgencyNone
	case 2*d <= 3*tolerance:
		urgency = models.UrgencyLow
	case d <= 2*tolerance:
		urgency = models.UrgencyMedium
	default:
		urgency = models.UrgencyHigh
	}

	var distanceFromRange int32
	strategy := models.StrategyBalanced
	switch {
	case active < current.Lower:
		distanceFromRange = active - current.Lower
		strategy = models.StrategyOneSidedX
	case active > current.Upper:
		distanceFromRange = active - current.Upper
		strategy = models.StrategyOneSidedY
	}

	if width <= 0 {
		width = current.Width()
		if width < 2 {
			width = e.opts.DefaultWidth
		}
	}
	if width > dlmm.MaxPositionBins {
		width = dlmm.MaxPositionBins
	}

	rec := &Recommendation{
		PositionAddress:    positionID,
		PoolAddress:        t.pool.Address,
		ShouldReposition:   urgency != UrgencyNone,
		Urgency:            urgency,
		Strategy:           strategy,
		ActiveBinID:        active,
		ReferenceBinID:     reference,
		CurrentRange:       current,
		NewRange:           centeredRange(active, width),
		DistanceFromRange:  distanceFromRange,
		DistanceFromCenter: d,
		Tolerance:          tolerance,
		EstimatedGasSOL:    dlmm.EstimateRepositionFeeSOL(),
		Timestamp:          e.now().UTC(),
	}
	if t.snap != nil && t.snap.QuoteAvailable {
		fees := t.snap.PendingFeesUSD
		rec.PendingFeesUSD = &fees
	}

	switch {
	case urgency == UrgencyNone:
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("active bin %d is within %d bins of %d", active, tolerance, reference))
	case distanceFromRange != 0:
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("active bin %d is %d bins outside range [%d, %d]", active, abs32(distanceFromRange), current.Lower, current.Upper))
	default:
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("active bin %d drifted %d bins from %d", active, d, reference))
	}
	return rec
}

// centeredRange places width bins around active
func centeredRange(active, width int32) BinRange {
	lower := active - width/2
	return BinRange{Lower: lower, Upper: lower + width - 1}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

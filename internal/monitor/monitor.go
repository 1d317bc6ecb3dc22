// Package monitor periodically evaluates the positions of wallets that
// opted into automatic repositioning and keeps the resulting unsigned
// proposals available until they expire.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/access"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/queue"
	"github.com/wnt/rebin/internal/reposition"
	"golang.org/x/sync/errgroup"
)

// WalletSource lists wallets that enabled automatic repositioning
type WalletSource interface {
	ListAutoRepositionWallets(ctx context.Context) ([]string, error)
}

// LiveReader lists a wallet's open positions
type LiveReader interface {
	ListOwnerPositions(ctx context.Context, wallet string) ([]*chain.Snapshot, error)
}

// Planner evaluates one position
type Planner interface {
	PlanAutoReposition(ctx context.Context, in reposition.PrepareInput) (*reposition.AutoPlan, error)
}

// Gate decides whether a wallet may receive automatic proposals
type Gate interface {
	CheckAccess(ctx context.Context, operation string, args access.Args) (*access.Decision, error)
}

// gatedOperation is the premium operation monitor proposals stand in for
const gatedOperation = "execute_auto_reposition"

// Options tune a Monitor
type Options struct {
	Interval     time.Duration
	Concurrency  int
	BatchSize    int64
	StuckTimeout time.Duration
	WorkerID     string
}

// Report summarises one pass over due wallets
type Report struct {
	Wallets   int
	Positions int
	Proposals int
	Failures  int
	// Denied counts wallets without access to automatic repositioning
	Denied int
}

// Monitor drives the periodic evaluation
type Monitor struct {
	schedule queue.Schedule
	wallets  WalletSource
	live     LiveReader
	planner  Planner
	gate     Gate
	pending  *Pending
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a monitor
func New(schedule queue.Schedule, wallets WalletSource, live LiveReader, planner Planner, gate Gate, pending *Pending, opts Options, logger zerolog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 15 * time.Minute
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "monitor"
	}
	return &Monitor{
		schedule: schedule,
		wallets:  wallets,
		live:     live,
		planner:  planner,
		gate:     gate,
		pending:  pending,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// WithClock replaces the time source
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run evaluates due wallets every tick and recovers stuck ones until ctx
// is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("interval", m.opts.Interval).
		Int("concurrency", m.opts.Concurrency).
		Msg("Starting monitor")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.tickLoop(ctx, m.opts.Interval, m.tick)
	})
	g.Go(func() error {
		return m.tickLoop(ctx, m.opts.StuckTimeout/3, m.recoverStuck)
	})

	err := g.Wait()
	m.logger.Info().Msg("Monitor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Monitor) tickLoop(ctx context.Context, every time.Duration, fn func(ctx context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if _, err := m.SyncWallets(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to sync monitored wallets")
	}
	report, err := m.RunOnce(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Monitor pass failed")
		return
	}
	if report.Wallets > 0 {
		m.logger.Info().
			Int("wallets", report.Wallets).
			Int("positions", report.Positions).
			Int("proposals", report.Proposals).
			Int("failures", report.Failures).
			Int("denied", report.Denied).
			Msg("Monitor pass completed")
	}
}

func (m *Monitor) recoverStuck(ctx context.Context) {
	n, err := m.schedule.RequeueStuck(ctx, m.now(), m.opts.StuckTimeout)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to requeue stuck wallets")
		return
	}
	if n > 0 {
		m.logger.Info().Int("count", n).Msg("Requeued stuck wallets")
	}
}

// SyncWallets schedules every opted-in wallet that is not scheduled yet
func (m *Monitor) SyncWallets(ctx context.Context) (int, error) {
	wallets, err := m.wallets.ListAutoRepositionWallets(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	for _, wallet := range wallets {
		if err := m.schedule.Add(ctx, wallet, now); err != nil {
			return 0, err
		}
	}
	if length, err := m.schedule.Length(ctx); err == nil {
		metrics.MonitorQueueLength.Set(float64(length))
	}
	return len(wallets), nil
}

// RunOnce claims the wallets due now and evaluates them with bounded
// concurrency. Each wallet is rescheduled one interval later.
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	now := m.now()
	wallets, err := m.schedule.ClaimDue(ctx, now, m.opts.BatchSize, m.opts.WorkerID)
	if err != nil {
		return Report{}, err
	}

	var positions, proposals, failures, denied atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, wallet := range wallets {
		g.Go(func() error {
			metrics.MonitorWorkersActive.Inc()
			defer metrics.MonitorWorkersActive.Dec()

			res, err := m.evaluateWallet(gctx, wallet)
			positions.Add(int64(res.Positions))
			proposals.Add(int64(res.Proposals))
			failures.Add(int64(res.Failures))
			denied.Add(int64(res.Denied))
			if err != nil {
				failures.Add(1)
				m.logger.Warn().Err(err).Str("wallet", wallet).Msg("Failed to evaluate wallet")
			}

			if err := m.schedule.Reschedule(ctx, wallet, now.Add(m.opts.Interval)); err != nil {
				m.logger.Error().Err(err).Str("wallet", wallet).Msg("Failed to reschedule wallet")
			}
			if err := m.schedule.Release(ctx, wallet); err != nil {
				m.logger.Error().Err(err).Str("wallet", wallet).Msg("Failed to release wallet")
			}
			return nil
		})
	}
	_ = g.Wait()

	if length, err := m.schedule.Length(ctx); err == nil {
		metrics.MonitorQueueLength.Set(float64(length))
	}
	return Report{
		Wallets:   len(wallets),
		Positions: int(positions.Load()),
		Proposals: int(proposals.Load()),
		Failures:  int(failures.Load()),
		Denied:    int(denied.Load()),
	}, nil
}

func (m *Monitor) evaluateWallet(ctx context.Context, wallet string) (Report, error) {
	log := m.logger.With().Str("wallet", wallet).Logger()

	decision, err := m.gate.CheckAccess(ctx, gatedOperation, access.Args{WalletAddress: wallet})
	if err != nil {
		return Report{}, fmt.Errorf("check access: %w", err)
	}
	if !decision.Allowed {
		log.Debug().Str("reason", decision.Reason).Msg("Skipping wallet without access")
		if m.pending != nil {
			if err := m.pending.Put(ctx, wallet, nil); err != nil {
				log.Warn().Err(err).Msg("Failed to clear pending proposals")
			}
		}
		return Report{Wallets: 1, Denied: 1}, nil
	}

	snaps, err := m.live.ListOwnerPositions(ctx, wallet)
	if err != nil {
		return Report{}, fmt.Errorf("list positions: %w", err)
	}

	report := Report{Wallets: 1, Positions: len(snaps)}
	var plans []*reposition.Proposal
	for _, snap := range snaps {
		ts := m.now()
		plan, err := m.planner.PlanAutoReposition(ctx, reposition.PrepareInput{
			PositionAddress: snap.PositionAddress,
			WalletAddress:   wallet,
			PoolAddress:     snap.PoolAddress,
			Timestamp:       &ts,
		})
		if err != nil {
			report.Failures++
			log.Warn().Err(err).Str("position", snap.PositionAddress).Msg("Failed to plan reposition")
			continue
		}
		if plan.Proposal == nil {
			log.Debug().
				Str("position", snap.PositionAddress).
				Str("urgency", plan.Recommendation.Urgency).
				Str("skip_reason", plan.SkipReason).
				Msg("No reposition planned")
			continue
		}
		plans = append(plans, plan.Proposal)
		log.Info().
			Str("position", snap.PositionAddress).
			Str("urgency", plan.Recommendation.Urgency).
			Str("new_position", plan.Proposal.NewPositionAddress).
			Msg("Reposition proposal ready for signing")
	}

	report.Proposals = len(plans)
	if m.pending != nil {
		if err := m.pending.Put(ctx, wallet, plans); err != nil {
			log.Warn().Err(err).Msg("Failed to store pending proposals")
		}
	}
	return report, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/access"
	"github.com/wnt/rebin/internal/cache"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/config"
	"github.com/wnt/rebin/internal/credits"
	"github.com/wnt/rebin/internal/database"
	"github.com/wnt/rebin/internal/logger"
	"github.com/wnt/rebin/internal/monitor"
	"github.com/wnt/rebin/internal/price"
	"github.com/wnt/rebin/internal/queue"
	"github.com/wnt/rebin/internal/reconcile"
	"github.com/wnt/rebin/internal/reposition"
	"github.com/wnt/rebin/internal/rpc"
	"github.com/wnt/rebin/internal/server"
	"github.com/wnt/rebin/internal/services"
	"github.com/wnt/rebin/internal/settings"
	"github.com/wnt/rebin/internal/store"
	"github.com/wnt/rebin/internal/tools"
	"github.com/wnt/rebin/internal/utils"
	"golang.org/x/sync/errgroup"
)

const redisPrefix = "rebin:"

func main() {
	// Parse command-line arguments
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables from the specified file
	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		log := logger.New("info")
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(cfg.LogLevel)
	if envErr != nil {
		log.Info().Str("env_file", *envFile).Msg("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("rebin stopped with error")
	}
	log.Info().Msg("rebin stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := database.Connect(cfg)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	log.Info().Str("driver", cfg.DBDriver).Msg("Database ready")
	st := store.New(db)

	// Shared cache and monitor schedule, in-process when Redis is not configured
	var sharedCache cache.Cache = cache.NewMemory()
	var schedule queue.Schedule = queue.NewMemory()
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisURL, redisPrefix)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		sharedCache = redisCache
		schedule = queue.NewRedisFromClient(redisCache.Client(), redisPrefix, log)
		log.Info().Msg("Using Redis cache")
	}

	pool := rpc.NewPool(cfg.RPCEndpoints, cfg.RPCRateLimit, log)
	ledger := rpc.NewLedger(pool, cfg.RPCTimeout, log)
	quoter := services.NewMeteoraPubClient(cfg.PoolAPIURL, log, utils.WithTimeout(cfg.RPCTimeout))
	reader := chain.NewReader(ledger, quoter, log)

	prices := price.NewClient(
		price.NewJupiter(cfg.PriceAPIURL, 0),
		log,
		price.WithCache(sharedCache, cfg.PriceCacheTTL),
	)

	prefs := settings.NewService(st, sharedCache, cfg.UserCacheTTL, log)
	reconciler := reconcile.New(st, reader, prices, reconcile.Options{
		DefaultTolerance: int32(cfg.DefaultTolerance),
		PriceAttempts:    cfg.PriceMaxAttempts,
	}, log)
	engine := reposition.New(reader, st, prices, prefs, reposition.Options{
		DefaultWidth:    int32(cfg.DefaultRangeWidth),
		PriceAttempts:   cfg.PriceMaxAttempts,
		ProposalTTL:     cfg.ProposalTTL,
		FreshnessWindow: cfg.FreshnessWindow,
	}, log)

	gate := access.NewGate(st, st, access.Policy{
		FailOpen:            cfg.GateFailOpen,
		DenyUncategorized:   cfg.GateDenyUncategorized,
		AllowCreditFallback: cfg.GateCreditFallback,
		UpgradeURL:          cfg.UpgradeURL,
	}, log)
	creditLedger := credits.NewLedger(st, log)
	if cfg.TreasuryAddress != "" {
		treasury, err := chain.ParseAddress(cfg.TreasuryAddress)
		if err != nil {
			return fmt.Errorf("invalid TREASURY_ADDRESS: %w", err)
		}
		creditLedger.WithSettlement(rpc.NewSettlement(ledger, treasury, cfg.CreditPriceLamports))
	} else {
		log.Warn().Msg("TREASURY_ADDRESS not set, credit purchases are disabled")
	}
	pending := monitor.NewPending(sharedCache)

	registry := tools.NewRegistry(tools.Deps{
		Reconciler: reconciler,
		Engine:     engine,
		Settings:   prefs,
		Gate:       gate,
		Ledger:     creditLedger,
		History:    credits.NewHistory(st, creditLedger, log),
		Pending:    pending,
	}, log)

	srv := server.New(server.Config{Port: cfg.HTTPPort}, registry, st, pool, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.MonitorEnabled {
		hostname, _ := os.Hostname()
		mon := monitor.New(schedule, st, reader, engine, gate, pending, monitor.Options{
			Interval:    cfg.MonitorInterval,
			Concurrency: cfg.MonitorConcurrency,
			WorkerID:    fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		}, log)
		g.Go(func() error {
			return mon.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

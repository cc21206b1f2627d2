// Command worker runs the job-processing loop: it claims due jobs, executes
// marketplace calls, and applies the retry and dead-letter policies.
package main

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vendaro/crosslist/internal/adapter/marketplace"
	"github.com/vendaro/crosslist/internal/adapter/observability"
	"github.com/vendaro/crosslist/internal/adapter/progress"
	"github.com/vendaro/crosslist/internal/adapter/repo/postgres"
	"github.com/vendaro/crosslist/internal/app"
	"github.com/vendaro/crosslist/internal/config"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/processor"
	"github.com/vendaro/crosslist/internal/service/breaker"
	"github.com/vendaro/crosslist/internal/service/dlq"
	"github.com/vendaro/crosslist/internal/service/failure"
	"github.com/vendaro/crosslist/internal/service/ratelimit"
	"github.com/vendaro/crosslist/internal/service/retrystrategy"
	"github.com/vendaro/crosslist/internal/worker"
	"github.com/vendaro/crosslist/pkg/clockx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose job-queue metrics on a dedicated endpoint for scraping.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Optional Redis: shared rate-limit windows and progress fan-out across
	// worker and server processes.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}

	clock := clockx.NewReal()

	overrides, err := config.LoadOverrides(cfg.MarketplaceOverridesFile)
	if err != nil {
		slog.Error("marketplace overrides load failed", slog.Any("error", err))
		os.Exit(1)
	}
	clients := make(map[string]domain.MarketplaceClient, len(cfg.MarketplaceBaseURLs))
	for name, baseURL := range cfg.MarketplaceBaseURLs {
		clients[name] = marketplace.NewRESTClient(name, baseURL, cfg.MarketplaceTimeout)
	}
	registry := marketplace.NewRegistry(overrides, clients)

	limitsFn := func(m string) (int, int, int, error) {
		info, err := registry.Get(m)
		if err != nil {
			return 0, 0, 0, err
		}
		return info.RateLimits.PerMinute, info.RateLimits.PerHour, info.RateLimits.PerDay, nil
	}
	var limiter ratelimit.Service
	if rdb != nil {
		limiter = ratelimit.NewRedis(rdb, clock, limitsFn, store)
	} else {
		limiter = ratelimit.New(clock, limitsFn, store)
	}

	brk := breaker.New(clock, func(m string) domain.CircuitThresholds {
		info, err := registry.Get(m)
		if err != nil {
			return domain.CircuitThresholds{}
		}
		return info.CircuitThresholds
	}, store)

	categorizer := failure.New(
		func(m string, cat domain.FailureCategory) (failure.Override, bool) {
			ov, ok := registry.RetryOverrideFor(m, cat)
			if !ok {
				return failure.Override{}, false
			}
			return failure.Override{
				MaxRetries: ov.MaxRetries,
				BaseDelay:  ov.BaseDelay,
				MaxDelay:   ov.MaxDelay,
				Multiplier: ov.Multiplier,
			}, true
		},
		registry.InMaintenance,
	)

	strategy := retrystrategy.New(clock, clock, store, retrystrategy.Defaults{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		JitterRange:  cfg.RetryJitterRange,
	}, rand.Float64)

	letters := dlq.New(clock, clock, store, store, store, cfg.RetryMaxAttempts)

	var bus domain.ProgressBus
	if rdb != nil {
		bus = progress.NewRedisBus(ctx, rdb, clock)
	} else {
		bus = progress.NewBus(clock)
	}

	procs := processor.DefaultRegistry(processor.Deps{
		Clock:             clock,
		IDs:               clock,
		Store:             store,
		Registry:          registry,
		Limiter:           limiter,
		Bus:               bus,
		Sleep:             processor.Sleep,
		OnRateLimitDenied: observability.RecordRateLimitDenied,
	})

	w := worker.New(worker.Config{
		TickInterval: cfg.WorkerTickInterval,
		PoolSize:     cfg.WorkerPoolSize,
		BatchSize:    cfg.WorkerBatchSize,
		JobTimeout:   cfg.JobTimeout,
	}, clock, clock, store, procs, brk, categorizer, strategy, letters, bus, observability.WorkerMetrics{})

	// Crash recovery: processing jobs whose worker died go back to pending.
	sweeper := app.NewStuckJobSweeper(store, clock, cfg.StuckJobMaxAge, time.Minute)
	go sweeper.Run(ctx)

	// Mirror breaker states onto the Prometheus gauge.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, name := range registry.Names() {
					observability.RecordCircuitState(name, string(brk.Status(name).State))
				}
			}
		}
	}()

	slog.Info("worker loop starting",
		slog.Int("pool_size", cfg.WorkerPoolSize),
		slog.Int("batch_size", cfg.WorkerBatchSize),
		slog.Duration("tick_interval", cfg.WorkerTickInterval))
	w.Run(ctx)
	slog.Info("worker stopped")
}

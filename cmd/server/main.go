// Command server starts the crosslist orchestrator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/vendaro/crosslist/internal/adapter/httpserver"
	"github.com/vendaro/crosslist/internal/adapter/marketplace"
	"github.com/vendaro/crosslist/internal/adapter/observability"
	"github.com/vendaro/crosslist/internal/adapter/progress"
	"github.com/vendaro/crosslist/internal/adapter/repo/postgres"
	"github.com/vendaro/crosslist/internal/app"
	"github.com/vendaro/crosslist/internal/config"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/internal/service/breaker"
	"github.com/vendaro/crosslist/internal/service/dlq"
	"github.com/vendaro/crosslist/internal/service/scheduler"
	"github.com/vendaro/crosslist/internal/usecase"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// redisPinger adapts *redis.Client to app.RedisClient for readiness checks.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) app.RedisPingResult {
	return p.rdb.Ping(ctx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP and job-queue instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and schema
	ctx := context.Background()
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

	// Data retention: terminal jobs and their retry history age out.
	cleanupSvc := postgres.NewCleanupService(pool, 0)
	go cleanupSvc.RunPeriodic(ctx, 0)

	// Optional Redis: cross-process progress fan-out.
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

	brk := breaker.New(clock, func(m string) domain.CircuitThresholds {
		info, err := registry.Get(m)
		if err != nil {
			return domain.CircuitThresholds{}
		}
		return info.CircuitThresholds
	}, store)

	sched := scheduler.New(clock, store, store, func(m string) ([]domain.OptimalWindow, error) {
		info, err := registry.Get(m)
		if err != nil {
			return nil, err
		}
		return info.OptimalWindows, nil
	})

	var bus domain.ProgressBus
	if rdb != nil {
		bus = progress.NewRedisBus(ctx, rdb, clock)
	} else {
		bus = progress.NewBus(clock)
	}

	intents := usecase.NewIntents(clock, clock, store, sched, bus, cfg.RetryMaxAttempts)
	letters := dlq.New(clock, clock, store, store, store, cfg.RetryMaxAttempts)

	var redisCheckTarget app.RedisClient
	if rdb != nil {
		redisCheckTarget = redisPinger{rdb}
	}
	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisCheckTarget)

	srv := httpserver.NewServer(cfg, intents, store, letters, brk, registry, bus, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

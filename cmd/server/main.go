// Package main is the entrypoint for the errtrack API server.
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

	"github.com/kiranshivaraju/errtrack/internal/api"
	"github.com/kiranshivaraju/errtrack/internal/api/handler"
	mw "github.com/kiranshivaraju/errtrack/internal/api/middleware"
	"github.com/kiranshivaraju/errtrack/internal/api/response"
	"github.com/kiranshivaraju/errtrack/internal/cache"
	"github.com/kiranshivaraju/errtrack/internal/config"
	"github.com/kiranshivaraju/errtrack/internal/ingest"
	"github.com/kiranshivaraju/errtrack/internal/metrics"
	"github.com/kiranshivaraju/errtrack/internal/ratelimit"
	"github.com/kiranshivaraju/errtrack/internal/store"
	"github.com/kiranshivaraju/errtrack/internal/triage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "storage", cfg.Storage.Driver, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage and cache
	st, c, cleanup, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// 3. Build router with dependencies
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	router := newRouter(cfg, st, c, reg)

	// 4. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "ingest_enabled", cfg.Ingest.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openBackends connects the configured store and cache. The memory driver
// needs neither Postgres nor Redis.
func openBackends(ctx context.Context, cfg *config.Config) (store.Store, cache.Cache, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		slog.Warn("using in-memory storage, data is lost on restart")
		return store.NewMemoryStore(), cache.NewMemoryCache(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	cleanup := func() {
		redisCache.Close()
		pool.Close()
	}
	return store.NewPostgresStore(pool), redisCache, cleanup, nil
}

// newRouter wires services and handlers over st and c.
func newRouter(cfg *config.Config, st store.Store, c cache.Cache, reg *prometheus.Registry) http.Handler {
	ingestSvc := ingest.NewService(st, ratelimit.NewWindowLimiter(c), metrics.NewIngest(reg), cfg.Ingest)
	triageSvc := triage.NewService(st, c)

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.API.RequestsPerMin),

		HealthHandler:  healthHandler(st, c),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),

		IngestHandler:   handler.NewIngestHandler(ingestSvc, cfg.Ingest.MaxBodyBytes),
		IngestFallback:  handler.IngestFallback,
		ListGroups:      handler.NewListGroupsHandler(triageSvc),
		GetGroup:        handler.NewGetGroupHandler(triageSvc),
		ListEvents:      handler.NewListEventsHandler(triageSvc),
		GroupStats:      handler.NewStatsHandler(triageSvc),
		TransitionGroup: handler.NewTransitionHandler(triageSvc),
		AssignGroup:     handler.NewAssignHandler(triageSvc),
		DeleteGroup:     handler.NewDeleteGroupHandler(triageSvc),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// Command server runs the producer process: the tenant-facing REST API, the
// realtime hub and the trusted internal broadcast listener.
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

	"github.com/fairyhunter13/testdock/internal/adapter/httpserver"
	"github.com/fairyhunter13/testdock/internal/adapter/metrics"
	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/testdock/internal/adapter/realtime"
	"github.com/fairyhunter13/testdock/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/testdock/internal/app"
	"github.com/fairyhunter13/testdock/internal/config"
	"github.com/fairyhunter13/testdock/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	repo := postgres.NewExecutionRepo(pool)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer func() { _ = producer.Close() }()

	recorder, err := metrics.NewRedisRecorderFromURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = recorder.Close() }()

	verifier := httpserver.NewJWTVerifier(cfg)
	hub := realtime.NewHub(verifier, cfg.BroadcastGlobalFallback)

	svc := usecase.NewExecutionService(repo, producer, hub)

	tenant := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: app.NewTenantRouter(cfg, app.TenantRouterDeps{
			Executions: httpserver.NewExecutionHandler(svc),
			Reports:    httpserver.NewReportsHandler(cfg.ReportsRoot),
			Hub:        hub,
			Verifier:   verifier,
			Ready: map[string]httpserver.Pinger{
				"postgres": pool,
				"queue":    producer,
				"redis":    recorder,
			},
		}),
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		// No server-level read/write timeouts: they would kill long-lived
		// websocket subscribers. API routes get their deadline from the
		// per-route timeout middleware instead.
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	internal := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.InternalPort),
		Handler:      app.NewInternalRouter(httpserver.NewInternalHandler(hub)),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("tenant listener starting", slog.String("addr", tenant.Addr))
		errCh <- tenant.ListenAndServe()
	}()
	go func() {
		slog.Info("internal listener starting", slog.String("addr", internal.Addr))
		errCh <- internal.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := tenant.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tenant listener shutdown", slog.Any("error", err))
	}
	if err := internal.Shutdown(shutdownCtx); err != nil {
		slog.Warn("internal listener shutdown", slog.Any("error", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown", slog.Any("error", err))
	}
	slog.Info("server stopped")
	return nil
}

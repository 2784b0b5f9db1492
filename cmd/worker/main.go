// Command worker consumes queued jobs and runs them in containers, one job
// at a time. Scale out by running more worker processes in the same consumer
// group.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/testdock/internal/adapter/ai"
	"github.com/fairyhunter13/testdock/internal/adapter/artifacts"
	"github.com/fairyhunter13/testdock/internal/adapter/engine/docker"
	"github.com/fairyhunter13/testdock/internal/adapter/httpserver"
	"github.com/fairyhunter13/testdock/internal/adapter/metrics"
	"github.com/fairyhunter13/testdock/internal/adapter/notify"
	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/testdock/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/testdock/internal/config"
	"github.com/fairyhunter13/testdock/internal/domain"
	"github.com/fairyhunter13/testdock/internal/usecase"
)

const opsAddr = ":9090"

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
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

	engine, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	defer func() { _ = engine.Close() }()

	recorder, err := metrics.NewRedisRecorderFromURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = recorder.Close() }()

	notifier := notify.New(cfg.ProducerInternalURL, cfg.LogPostWorkers, cfg.LogPostBuffer)
	defer notifier.Close()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	runner := &usecase.Runner{
		Repo:           postgres.NewExecutionRepo(pool),
		Engine:         engine,
		Artifacts:      artifacts.NewStore(cfg.ReportsRoot),
		Analyzer:       newAnalyzer(cfg),
		Metrics:        recorder,
		Notifier:       notifier,
		Injector:       usecase.NewInjector(),
		ReportsBaseURL: cfg.ReportsBaseURL,
		ExtraHosts:     docker.HostGatewayExtraHost(),
		JobTimeout:     cfg.JobTimeout,
	}

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, runner.HandleJob)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer consumer.Close()

	ops := &http.Server{
		Addr: opsAddr,
		Handler: opsHandler(map[string]httpserver.Pinger{
			"docker": engine,
			"redis":  recorder,
			"queue":  consumer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("ops listener starting", slog.String("addr", ops.Addr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener failed", slog.Any("error", err))
		}
	}()

	slog.Info("worker consuming",
		slog.String("group", cfg.ConsumerGroup),
		slog.Any("brokers", cfg.KafkaBrokers))
	err = consumer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if sErr := ops.Shutdown(shutdownCtx); sErr != nil {
		slog.Warn("ops listener shutdown", slog.Any("error", sErr))
	}
	if tErr := shutdownTracing(shutdownCtx); tErr != nil {
		slog.Warn("tracing shutdown", slog.Any("error", tErr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("worker stopped")
	return nil
}

func newEngine(cfg config.Config) (*docker.Engine, error) {
	if cfg.DockerHost != "" {
		return docker.NewWithHost(cfg.DockerHost)
	}
	return docker.New()
}

func newAnalyzer(cfg config.Config) domain.Analyzer {
	if cfg.AIProvider == "mock" {
		return ai.NewMock()
	}
	if cfg.OpenRouterAPIKey == "" {
		slog.Warn("no analyzer api key configured, using mock analyzer")
		return ai.NewMock()
	}
	return ai.NewClient(cfg)
}

func opsHandler(deps map[string]httpserver.Pinger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", httpserver.Healthz)
	mux.HandleFunc("/readyz", httpserver.Readyz(deps))
	return mux
}

// Package main is the entry point for the workflow automation engine.
// It wires the stores, event bus, runner pool, and HTTP server together.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/internal/bus"
	"github.com/buttermb/delviery-sub006/internal/config"
	"github.com/buttermb/delviery-sub006/internal/engine"
	"github.com/buttermb/delviery-sub006/internal/observability"
	"github.com/buttermb/delviery-sub006/internal/registry"
	"github.com/buttermb/delviery-sub006/internal/transport"
	"github.com/buttermb/delviery-sub006/internal/trigger"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "automation-engine", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Build the stores.
	stores, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Build the core components.
	reg := registry.New(stores.definitions, logger, metrics)
	matcher := trigger.NewMatcher(stores.definitions, logger, metrics)
	eventBus := bus.New(cfg.Bus.BufferSize, logger, metrics)

	executors := engine.NewExecutorMux()
	executors.Register("webhook", engine.NewWebhookExecutor(nil))
	executors.Register("log", engine.NewLogExecutor(logger))

	eng := engine.New(
		cfg.Engine,
		stores.definitions,
		stores.executions,
		stores.deadLetters,
		matcher,
		eventBus,
		executors,
		logger,
		metrics,
	)

	// Step 6: Start the runner pool.
	eng.Start(ctx)

	// Step 7: Build the HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	ready := observability.ReadinessChecks{
		RunnersStarted: eng.RunnersStarted,
	}
	if hc, ok := stores.definitions.(observability.HealthChecker); ok {
		ready.DefinitionStore = hc
	}
	if hc, ok := stores.executions.(observability.HealthChecker); ok {
		ready.ExecutionStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Registry:     reg,
		Engine:       eng,
		Bus:          eventBus,
		Ready:        ready,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
	})

	handler := observability.TracingMiddleware(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("runners", cfg.Engine.Runners),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop event ingestion, then drain the runner pool.
	eventBus.Close()
	eng.Stop()

	// Close stores.
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// stores bundles the three persistence interfaces built from one driver.
type stores struct {
	definitions registry.DefinitionStore
	executions  engine.ExecutionStore
	deadLetters engine.DeadLetterStore
}

// buildStores creates the definition, execution, and dead-letter stores
// based on the configured driver. All three share one connection pool under
// the postgres driver.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		dlq := engine.NewMemoryDeadLetterStore()
		return stores{
			definitions: registry.NewMemoryDefinitionStore(),
			executions:  engine.NewMemoryExecutionStore(dlq),
			deadLetters: dlq,
		}, nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, nil, fmt.Errorf("store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, nil, fmt.Errorf("store: ping: %w", err)
		}

		return stores{
			definitions: registry.NewPgDefinitionStore(pool),
			executions:  engine.NewPgExecutionStore(pool),
			deadLetters: engine.NewPgDeadLetterStore(pool),
		}, pool.Close, nil
	default:
		return stores{}, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

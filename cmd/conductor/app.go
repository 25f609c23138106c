package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/bahnwaerter/bumblebee/internal/api"
	"github.com/bahnwaerter/bumblebee/internal/clients"
	"github.com/bahnwaerter/bumblebee/internal/config"
	"github.com/bahnwaerter/bumblebee/internal/orchestrator"
	"github.com/bahnwaerter/bumblebee/internal/queue"
	"github.com/bahnwaerter/bumblebee/internal/telemetry"
)

// AppContext holds all constructed application dependencies shared across
// subcommands. It is built once in PersistentPreRunE and referenced by the
// serve, bootstrap, scheduler, and worker commands.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider

	pg    *clients.PostgresClient
	redis *clients.RedisClient

	queue        *queue.RedisQueue
	orchestrator *orchestrator.Orchestrator
	router       *api.Router
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Creates one circuit breaker per dependency client
//  3. Creates the Postgres and Redis clients
//  4. Creates the broker-backed job queue
//  5. Creates the orchestrator and the HTTP router
func buildAppContext(cfg *config.Config) (*AppContext, error) {
	app := &AppContext{cfg: cfg}

	// OTEL is best-effort: a missing collector must never block startup.
	// When OTLPEndpoint is empty, telemetry is disabled entirely to avoid
	// the SDK's periodic-reader noise when no collector is running locally.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Info("OTEL telemetry disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(
			context.Background(),
			cfg.Telemetry.OTLPEndpoint,
			cfg.Telemetry.ServiceName,
			cfg.Telemetry.OTLPInsecure,
		)
		if err != nil {
			slog.Warn("OTEL provider init failed, telemetry disabled", "err", err)
		} else {
			app.otelProvider = tp
			// Fan out: keep stdout (TraceHandler+JSONHandler) and add OTEL logs.
			slog.SetDefault(slog.New(telemetry.NewTeeHandler(
				slog.Default().Handler(),
				tp.LogHandler,
			)))
		}
	}

	// One circuit breaker per client so each dependency trips independently.
	app.pg = clients.NewPostgresClient(cfg.Postgres, clients.NewCircuitBreaker("postgres"))
	app.redis = clients.NewRedisClient(cfg.Redis, clients.NewCircuitBreaker("redis"))

	app.queue = queue.NewRedisQueue(app.redis.Client(), cfg.Queue.KeyPrefix, cfg.Queue.MaxAttempts)
	app.orchestrator = orchestrator.New(app.pg, app.redis, app.queue)
	app.router = api.NewRouter(app.orchestrator)

	return app, nil
}

// Shutdown releases the long-lived resources held by the AppContext.
func (a *AppContext) Shutdown() {
	if a.otelProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			slog.Warn("OTEL shutdown error", "err", err)
		}
	}
	a.pg.Close()
	if err := a.redis.Close(); err != nil {
		slog.Warn("closing redis client", "err", err)
	}
}

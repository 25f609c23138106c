package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/bahnwaerter/bumblebee/internal/config"
	"github.com/bahnwaerter/bumblebee/internal/readiness"
)

const pgProbeName = "postgres"

// dbPinger abstracts the pgxpool.Pool methods used in Probe so that tests
// can inject a fake without standing up a real database.
type dbPinger interface {
	Ping(ctx context.Context) error
	Close()
}

// PostgresClient wraps a pgx connection pool with a circuit breaker. The
// probe side uses a transient connection; Pool opens a persistent pool for
// the migration gate and anything else that needs real statements.
type PostgresClient struct {
	cfg     config.PostgresConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.PostgresConfig) (dbPinger, error)

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewPostgresClient creates a PostgresClient. No connection is made at
// construction time; Probe and Pool both connect lazily.
func NewPostgresClient(cfg config.PostgresConfig, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
	}
}

// Probe pings the Postgres server. It wraps the check in the circuit breaker
// so that persistent failures trip the breaker after three consecutive errors.
// A missing schema_migrations table is not a probe failure — the migration
// gate creates it, and readiness must be observable before the gate runs.
func (c *PostgresClient) Probe(ctx context.Context) readiness.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.connect(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return readiness.ProbeResult{
			Name:      pgProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return readiness.ProbeResult{
		Name:      pgProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// Pool returns a shared pgx pool, opening it on first use.
func (c *PostgresClient) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool != nil {
		return c.pool, nil
	}

	poolCfg, err := pgxpool.ParseConfig(c.cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MaxConns = c.cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	c.pool = pool
	return pool, nil
}

// Close releases the shared pool, if one was opened.
func (c *PostgresClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}

// realConnect opens a transient pgxpool.Pool for a single probe.
func realConnect(ctx context.Context, cfg config.PostgresConfig) (dbPinger, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}

package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/bahnwaerter/bumblebee/internal/config"
	"github.com/bahnwaerter/bumblebee/internal/readiness"
)

const redisProbeName = "redis"

// redisPinger is the interface used by RedisClient for health probing.
// It is implemented by the real go-redis client and by test doubles.
type redisPinger interface {
	PingResult(ctx context.Context) (string, error)
	Close() error
}

// realRedisPinger adapts a *redis.Client to the redisPinger interface so
// tests can inject a fake without constructing a real *redis.StatusCmd.
type realRedisPinger struct {
	client *redis.Client
}

func (r *realRedisPinger) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realRedisPinger) Close() error {
	return r.client.Close()
}

// RedisClient wraps a go-redis connection with a circuit breaker. The probe
// side uses a transient connection; Client returns a persistent client for
// the job queue and the scheduler leadership lock.
type RedisClient struct {
	cfg    config.RedisConfig
	cb     *gobreaker.CircuitBreaker
	pinger redisPinger

	mu     sync.Mutex
	client *redis.Client
}

// NewRedisClient creates a RedisClient. No connection is opened at
// construction time.
func NewRedisClient(cfg config.RedisConfig, cb *gobreaker.CircuitBreaker) *RedisClient {
	return &RedisClient{
		cfg: cfg,
		cb:  cb,
	}
}

// Probe sends a PING command to Redis and validates the PONG response. The
// call is wrapped in the circuit breaker; after 3 consecutive failures the
// breaker opens and subsequent calls return immediately with "circuit open".
func (c *RedisClient) Probe(ctx context.Context) readiness.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		p := c.pinger
		if p == nil {
			p = &realRedisPinger{
				client: redis.NewClient(&redis.Options{
					Addr:     c.cfg.Addr(),
					Password: c.cfg.Password,
					DB:       c.cfg.DB,
				}),
			}
			defer p.Close() //nolint:errcheck
		}

		val, err := p.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
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
			Name:      redisProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return readiness.ProbeResult{
		Name:      redisProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// Client returns a shared go-redis client, opening it on first use.
func (c *RedisClient) Client() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		c.client = redis.NewClient(&redis.Options{
			Addr:     c.cfg.Addr(),
			Password: c.cfg.Password,
			DB:       c.cfg.DB,
		})
	}
	return c.client
}

// Close releases the shared client, if one was opened.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

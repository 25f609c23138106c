// Package readiness implements the dependency readiness tracker: it polls a
// dependency's health probe until the first success or a deadline, and gates
// the rest of the bringup on the outcome.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrTimeout is returned when a dependency did not become ready before the
// configured timeout. The caller decides what to do with it.
var ErrTimeout = errors.New("timed out waiting for dependency")

// ProbeResult is the outcome of a single health probe.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Prober is a synchronous health probe for one dependency. Implemented by
// clients.PostgresClient and clients.RedisClient.
type Prober interface {
	Probe(ctx context.Context) ProbeResult
}

// WaitReady polls p every pollInterval until the first successful probe or
// until timeout elapses. Failed probes log at debug, the final state at info.
// There are no retries beyond the poll loop itself.
func WaitReady(ctx context.Context, p Prober, timeout, pollInterval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res := p.Probe(ctx)
		if res.OK {
			slog.InfoContext(ctx, "dependency ready", "dep", res.Name, "latency_ms", res.LatencyMs)
			return nil
		}
		slog.DebugContext(ctx, "dependency not ready", "dep", res.Name, "error", res.Error)

		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "dependency readiness timed out", "dep", res.Name, "timeout", timeout)
			return fmt.Errorf("%s: %w", res.Name, ErrTimeout)
		case <-ticker.C:
		}
	}
}

// WaitAll runs one tracker per dependency concurrently and returns the first
// failure, if any.
func WaitAll(ctx context.Context, timeout, pollInterval time.Duration, probes ...Prober) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range probes {
		p := p
		g.Go(func() error {
			return WaitReady(ctx, p, timeout, pollInterval)
		})
	}
	return g.Wait()
}

// Package orchestrator ties the dependency probes, the readiness tracker,
// and the job queue together behind the surface the application server
// exposes.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bahnwaerter/bumblebee/internal/queue"
	"github.com/bahnwaerter/bumblebee/internal/readiness"
)

// Orchestrator gates startup on the stateful dependencies and serves health
// probes and queue access to the HTTP layer.
type Orchestrator struct {
	pg    readiness.Prober
	redis readiness.Prober
	q     queue.Queue

	ready atomic.Bool
}

// New constructs an Orchestrator. The concrete client types satisfy
// readiness.Prober.
func New(pg, redis readiness.Prober, q queue.Queue) *Orchestrator {
	return &Orchestrator{pg: pg, redis: redis, q: q}
}

// WaitForDependencies blocks until the given probes report ready or the
// timeout elapses, and flips the ready flag on success. With no probes given
// it gates on both stateful dependencies. The server must never start
// against an unready dependency.
func (o *Orchestrator) WaitForDependencies(ctx context.Context, timeout, pollInterval time.Duration, probes ...readiness.Prober) error {
	if len(probes) == 0 {
		probes = []readiness.Prober{o.pg, o.redis}
	}
	if err := readiness.WaitAll(ctx, timeout, pollInterval, probes...); err != nil {
		return err
	}
	o.ready.Store(true)
	return nil
}

// Prober resolves a probe name from the service topology to the matching
// dependency prober.
func (o *Orchestrator) Prober(name string) (readiness.Prober, bool) {
	switch name {
	case "postgres":
		return o.pg, true
	case "redis":
		return o.redis, true
	}
	return nil, false
}

// IsReady reports whether the dependency gate has passed.
func (o *Orchestrator) IsReady() bool {
	return o.ready.Load()
}

// DeepHealth probes both dependencies concurrently and returns a map of
// dependency name to ProbeResult.
func (o *Orchestrator) DeepHealth(ctx context.Context) map[string]readiness.ProbeResult {
	results := make(map[string]readiness.ProbeResult, 2)
	var mu sync.Mutex
	var g errgroup.Group

	for _, p := range []readiness.Prober{o.pg, o.redis} {
		p := p
		g.Go(func() error {
			probe := p.Probe(ctx)
			mu.Lock()
			results[probe.Name] = probe
			mu.Unlock()
			return nil
		})
	}

	// Probe goroutines always return nil.
	_ = g.Wait()
	return results
}

// Enqueue offloads asynchronous work from the application server.
func (o *Orchestrator) Enqueue(ctx context.Context, job queue.JobDescriptor) (string, error) {
	return o.q.Enqueue(ctx, job)
}

// DeadLetters lists jobs that exhausted their attempts.
func (o *Orchestrator) DeadLetters(ctx context.Context, limit int64) ([]queue.JobDescriptor, error) {
	return o.q.DeadLetters(ctx, limit)
}

// Package migrate implements the migration gate: a one-shot coordinator that
// applies schema migrations against the datastore exactly once per deployment
// generation, under an advisory lock, and is safe to re-run after a crash.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the gate's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// ErrLockTimeout is returned when another bootstrap attempt holds the
// migration lock for longer than the configured timeout.
var ErrLockTimeout = errors.New("timed out waiting for migration lock")

// StepError marks a migration step as the cause of a failed bootstrap
// attempt. It is fatal for the current attempt; the supervising restart
// policy re-invokes the whole gate.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Step is one named, individually idempotent migration step.
type Step struct {
	Name string
	SQL  string
}

// Store is the gate's persistence boundary. All state lives in the shared
// datastore so any instance can resume after a crash.
type Store interface {
	// TryLock attempts to acquire the migration advisory lock without blocking.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases the advisory lock.
	Unlock(ctx context.Context) error
	// EnsureSchema creates the gate's own bookkeeping tables.
	EnsureSchema(ctx context.Context) error
	// LastGeneration returns the last successfully migrated generation,
	// empty if none was ever recorded.
	LastGeneration(ctx context.Context) (string, error)
	// AppliedSteps returns the names of steps with a completion marker.
	AppliedSteps(ctx context.Context) (map[string]bool, error)
	// ApplyStep executes a step and records its completion marker atomically.
	ApplyStep(ctx context.Context, step Step) error
	// RecordGeneration persists gen as the last migrated generation.
	RecordGeneration(ctx context.Context, gen string) error
}

// Result summarises one gate run.
type Result struct {
	Generation string   `json:"generation"`
	Applied    []string `json:"applied"`
	Skipped    bool     `json:"skipped"`
}

// Gate drives the Idle → Running → {Succeeded, Failed} state machine.
type Gate struct {
	store       Store
	steps       []Step
	lockTimeout time.Duration
	lockPoll    time.Duration

	state State
}

// New creates a Gate over the given store and ordered step list.
func New(store Store, steps []Step, lockTimeout time.Duration) *Gate {
	return &Gate{
		store:       store,
		steps:       steps,
		lockTimeout: lockTimeout,
		lockPoll:    500 * time.Millisecond,
		state:       StateIdle,
	}
}

// State returns the gate's current state.
func (g *Gate) State() State { return g.state }

// Generation derives the deployment generation from the configured steps:
// a content hash over the ordered (name, SQL) pairs. Any change to the step
// list yields a new generation.
func Generation(steps []Step) string {
	h := sha256.New()
	for _, s := range steps {
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
		h.Write([]byte(s.SQL))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run executes the gate once. It acquires the advisory lock (bounded by the
// lock timeout), short-circuits when the persisted generation already equals
// the target, and otherwise replays from the first unapplied step. Each step
// must itself be idempotent: a crash between executing a step and committing
// its marker replays that step on the next run.
func (g *Gate) Run(ctx context.Context) (*Result, error) {
	g.state = StateRunning

	if err := g.acquireLock(ctx); err != nil {
		g.state = StateFailed
		return nil, err
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.store.Unlock(unlockCtx); err != nil {
			slog.Warn("releasing migration lock", "err", err)
		}
	}()

	if err := g.store.EnsureSchema(ctx); err != nil {
		g.state = StateFailed
		return nil, fmt.Errorf("ensuring migration schema: %w", err)
	}

	target := Generation(g.steps)

	last, err := g.store.LastGeneration(ctx)
	if err != nil {
		g.state = StateFailed
		return nil, fmt.Errorf("reading last generation: %w", err)
	}
	if last == target {
		slog.InfoContext(ctx, "migrations already at target generation", "generation", target)
		g.state = StateSucceeded
		return &Result{Generation: target, Skipped: true}, nil
	}

	applied, err := g.store.AppliedSteps(ctx)
	if err != nil {
		g.state = StateFailed
		return nil, fmt.Errorf("reading applied steps: %w", err)
	}

	result := &Result{Generation: target}
	for _, step := range g.steps {
		if applied[step.Name] {
			slog.DebugContext(ctx, "migration step already applied", "step", step.Name)
			continue
		}
		slog.InfoContext(ctx, "applying migration step", "step", step.Name)
		if err := g.store.ApplyStep(ctx, step); err != nil {
			g.state = StateFailed
			return nil, &StepError{Step: step.Name, Err: err}
		}
		result.Applied = append(result.Applied, step.Name)
	}

	if err := g.store.RecordGeneration(ctx, target); err != nil {
		g.state = StateFailed
		return nil, fmt.Errorf("recording generation: %w", err)
	}

	slog.InfoContext(ctx, "migrations complete",
		"generation", target, "applied", len(result.Applied))
	g.state = StateSucceeded
	return result, nil
}

// acquireLock polls TryLock until success or the lock timeout elapses.
func (g *Gate) acquireLock(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.lockTimeout)
	defer cancel()

	ticker := time.NewTicker(g.lockPoll)
	defer ticker.Stop()

	for {
		ok, err := g.store.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("acquiring migration lock: %w", err)
		}
		if ok {
			return nil
		}
		slog.DebugContext(ctx, "migration lock held elsewhere, waiting")

		select {
		case <-ctx.Done():
			return ErrLockTimeout
		case <-ticker.C:
		}
	}
}

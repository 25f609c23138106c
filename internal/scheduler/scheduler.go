// Package scheduler implements the recurring-job producer: a single-writer
// loop that enqueues jobs derived from static schedule entries. A leadership
// lock guarantees at most one instance enqueues at a time even when several
// are started.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bahnwaerter/bumblebee/internal/config"
	"github.com/bahnwaerter/bumblebee/internal/queue"
)

// Entry is one recurring schedule: a job template plus its interval.
// Entries are owned exclusively by the scheduler and derive from static
// configuration, so a crash loses nothing.
type Entry struct {
	Name    string
	Type    string
	Payload json.RawMessage
	Every   time.Duration

	next time.Time
}

// EntriesFromConfig validates and converts the configured schedule entries.
func EntriesFromConfig(cfgs []config.EntryConfig) ([]Entry, error) {
	entries := make([]Entry, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" || c.Type == "" {
			return nil, fmt.Errorf("schedule entry %q: name and type are required", c.Name)
		}
		if c.Every <= 0 {
			return nil, fmt.Errorf("schedule entry %q: interval must be positive", c.Name)
		}
		var payload json.RawMessage
		if c.Payload != "" {
			if !json.Valid([]byte(c.Payload)) {
				return nil, fmt.Errorf("schedule entry %q: payload is not valid JSON", c.Name)
			}
			payload = json.RawMessage(c.Payload)
		}
		entries = append(entries, Entry{
			Name:    c.Name,
			Type:    c.Type,
			Payload: payload,
			Every:   c.Every,
		})
	}
	return entries, nil
}

// DefaultEntries is the built-in maintenance schedule used when no entries
// are configured: periodic expiry-stage advancement and a daily sweep of
// soft-deleted workspaces.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "expiry-check", Type: "expiry.check", Every: 10 * time.Minute},
		{Name: "workspace-cleanup", Type: "workspace.cleanup", Every: 24 * time.Hour},
	}
}

// Enqueuer is the queue surface the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.JobDescriptor) (string, error)
}

// Scheduler ticks on its own timer and enqueues due entries while holding
// leadership.
type Scheduler struct {
	leader  Leader
	q       Enqueuer
	entries []Entry

	tick         time.Duration
	acquireRetry time.Duration
	now          func() time.Time
}

// New creates a Scheduler. tick is the evaluation interval; entries fire the
// first time they are evaluated under leadership and every Every thereafter.
func New(leader Leader, q Enqueuer, entries []Entry, tick time.Duration) *Scheduler {
	return &Scheduler{
		leader:       leader,
		q:            q,
		entries:      entries,
		tick:         tick,
		acquireRetry: tick,
		now:          time.Now,
	}
}

// Run blocks until ctx is cancelled, alternating between leadership
// acquisition and the tick loop. On shutdown the leadership key is released
// so a successor does not have to wait out the TTL.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		ok, err := s.leader.Acquire(ctx)
		if err != nil {
			slog.WarnContext(ctx, "leadership acquire failed, retrying", "err", err)
		} else if ok {
			slog.InfoContext(ctx, "scheduler leadership acquired")
			if err := s.lead(ctx); err != nil && !errors.Is(err, ErrLeadershipLost) {
				// Shutdown while still the holder: hand leadership over
				// instead of letting the key age out.
				s.releaseLeadership()
				return err
			}
			slog.InfoContext(ctx, "scheduler leadership relinquished")
		}

		select {
		case <-ctx.Done():
			s.releaseLeadership()
			return ctx.Err()
		case <-time.After(s.acquireRetry):
		}
	}
}

// releaseLeadership gives the lock up with its own deadline; the caller's
// context is already cancelled by the time this runs.
func (s *Scheduler) releaseLeadership() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.leader.Release(releaseCtx); err != nil {
		slog.Warn("releasing leadership", "err", err)
	}
}

// lead ticks until the context ends or leadership is lost. Losing leadership
// is silent by design: the new leader picks up from configuration.
func (s *Scheduler) lead(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.leader.Refresh(ctx); err != nil {
				if errors.Is(err, ErrLeadershipLost) {
					return err
				}
				slog.WarnContext(ctx, "leadership refresh failed", "err", err)
				continue
			}
			s.tickOnce(ctx, s.now())
		}
	}
}

// tickOnce evaluates every entry whose next-fire time is due, enqueues a
// fresh job from its template, and advances the next-fire time. An entry
// that was never evaluated fires immediately. Missed windows (leadership
// gaps, long stalls) are skipped forward rather than replayed.
func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) {
	for i := range s.entries {
		e := &s.entries[i]
		if e.next.IsZero() {
			e.next = now
		}
		if e.next.After(now) {
			continue
		}

		id, err := s.q.Enqueue(ctx, queue.JobDescriptor{
			Type:    e.Type,
			Payload: e.Payload,
		})
		if err != nil {
			// Leave next unchanged so the entry retries on the next tick.
			slog.WarnContext(ctx, "schedule enqueue failed",
				"entry", e.Name, "err", err)
			continue
		}
		slog.InfoContext(ctx, "scheduled job enqueued",
			"entry", e.Name, "type", e.Type, "job_id", id)

		for !e.next.After(now) {
			e.next = e.next.Add(e.Every)
		}
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bahnwaerter/bumblebee/internal/config"
	"github.com/bahnwaerter/bumblebee/internal/queue"
)

// recordingEnqueuer captures enqueued jobs.
type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.JobDescriptor
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job queue.JobDescriptor) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.jobs = append(r.jobs, job)
	return "job-id", nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// fakeLeader scripts leadership behaviour.
type fakeLeader struct {
	mu         sync.Mutex
	canAcquire bool
	loseAfter  int // Refresh returns ErrLeadershipLost after this many calls
	refreshes  int
}

func (l *fakeLeader) Acquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canAcquire, nil
}

func (l *fakeLeader) Refresh(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	if l.loseAfter > 0 && l.refreshes > l.loseAfter {
		return ErrLeadershipLost
	}
	return nil
}

func (l *fakeLeader) Release(_ context.Context) error { return nil }

func TestEntriesFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfgs    []config.EntryConfig
		wantErr string
	}{
		{
			name: "valid entries",
			cfgs: []config.EntryConfig{
				{Name: "expiry-sweep", Type: "expiry.check", Payload: `{"stage":"all"}`, Every: time.Minute},
				{Name: "cleanup", Type: "workspace.cleanup", Every: time.Hour},
			},
		},
		{
			name:    "missing type",
			cfgs:    []config.EntryConfig{{Name: "x", Every: time.Minute}},
			wantErr: "name and type are required",
		},
		{
			name:    "zero interval",
			cfgs:    []config.EntryConfig{{Name: "x", Type: "y"}},
			wantErr: "interval must be positive",
		},
		{
			name:    "bad payload",
			cfgs:    []config.EntryConfig{{Name: "x", Type: "y", Payload: "{", Every: time.Minute}},
			wantErr: "not valid JSON",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			entries, err := EntriesFromConfig(tc.cfgs)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, entries, len(tc.cfgs))
		})
	}
}

func TestTickOnce_EnqueuesDueEntriesAndAdvances(t *testing.T) {
	t.Parallel()

	q := &recordingEnqueuer{}
	entries := []Entry{
		{Name: "sweep", Type: "expiry.check", Every: time.Minute},
		{Name: "cleanup", Type: "workspace.cleanup", Every: time.Hour},
	}
	s := New(&fakeLeader{}, q, entries, time.Second)

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// First evaluation: both entries fire.
	s.tickOnce(context.Background(), now)
	assert.Equal(t, 2, q.count())

	// 30s later nothing is due.
	s.tickOnce(context.Background(), now.Add(30*time.Second))
	assert.Equal(t, 2, q.count())

	// At the minute boundary only the sweep fires again.
	s.tickOnce(context.Background(), now.Add(time.Minute))
	require.Equal(t, 3, q.count())
	assert.Equal(t, "expiry.check", q.jobs[2].Type)
}

func TestTickOnce_SkipsMissedWindows(t *testing.T) {
	t.Parallel()

	q := &recordingEnqueuer{}
	s := New(&fakeLeader{}, q, []Entry{
		{Name: "sweep", Type: "expiry.check", Every: time.Minute},
	}, time.Second)

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s.tickOnce(context.Background(), now)
	require.Equal(t, 1, q.count())

	// A long stall spans five windows; on recovery the entry fires once,
	// not five times.
	s.tickOnce(context.Background(), now.Add(5*time.Minute))
	assert.Equal(t, 2, q.count())

	// And the next fire time is in the future relative to the stall.
	s.tickOnce(context.Background(), now.Add(5*time.Minute+time.Second))
	assert.Equal(t, 2, q.count())
}

func TestTickOnce_EnqueueFailureRetriesNextTick(t *testing.T) {
	t.Parallel()

	q := &recordingEnqueuer{err: errors.New("broker down")}
	s := New(&fakeLeader{}, q, []Entry{
		{Name: "sweep", Type: "expiry.check", Every: time.Minute},
	}, time.Second)

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s.tickOnce(context.Background(), now)
	assert.Equal(t, 0, q.count())

	// Broker recovers: the entry is still due and fires.
	q.mu.Lock()
	q.err = nil
	q.mu.Unlock()
	s.tickOnce(context.Background(), now.Add(time.Second))
	assert.Equal(t, 1, q.count())
}

func TestRun_NonLeaderNeverEnqueues(t *testing.T) {
	t.Parallel()

	q := &recordingEnqueuer{}
	s := New(&fakeLeader{canAcquire: false}, q, []Entry{
		{Name: "sweep", Type: "expiry.check", Every: time.Millisecond},
	}, time.Millisecond)
	s.acquireRetry = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.count())
}

func TestRun_LeaderTicksUntilLeadershipLost(t *testing.T) {
	t.Parallel()

	q := &recordingEnqueuer{}
	leader := &fakeLeader{canAcquire: true, loseAfter: 3}
	s := New(leader, q, []Entry{
		{Name: "sweep", Type: "expiry.check", Every: time.Millisecond},
	}, time.Millisecond)
	s.acquireRetry = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_ = s.Run(ctx)

	// Ticked while leading, stopped at loss, re-acquired, kept going.
	assert.Greater(t, q.count(), 0)
}

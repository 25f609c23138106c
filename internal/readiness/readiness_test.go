package readiness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProber fails the first failures probes, then succeeds.
type flakyProber struct {
	name     string
	failures int32
	calls    atomic.Int32
}

func (p *flakyProber) Probe(_ context.Context) ProbeResult {
	n := p.calls.Add(1)
	if n <= p.failures {
		return ProbeResult{Name: p.name, OK: false, Error: "connection refused"}
	}
	return ProbeResult{Name: p.name, OK: true}
}

func TestWaitReady_SucceedsOnFirstProbe(t *testing.T) {
	t.Parallel()

	p := &flakyProber{name: "db"}
	err := WaitReady(context.Background(), p, time.Second, 10*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestWaitReady_RecoversAfterFailures(t *testing.T) {
	t.Parallel()

	p := &flakyProber{name: "db", failures: 3}
	err := WaitReady(context.Background(), p, time.Second, 5*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, int32(4), p.calls.Load())
}

func TestWaitReady_TimesOut(t *testing.T) {
	t.Parallel()

	p := &flakyProber{name: "redis", failures: 1 << 30}
	err := WaitReady(context.Background(), p, 50*time.Millisecond, 5*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "redis")
}

func TestWaitAll_FirstFailureWins(t *testing.T) {
	t.Parallel()

	ok := &flakyProber{name: "db"}
	bad := &flakyProber{name: "redis", failures: 1 << 30}

	err := WaitAll(context.Background(), 50*time.Millisecond, 5*time.Millisecond, ok, bad)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitAll_AllReady(t *testing.T) {
	t.Parallel()

	err := WaitAll(context.Background(), time.Second, 5*time.Millisecond,
		&flakyProber{name: "db", failures: 2},
		&flakyProber{name: "redis"},
	)
	require.NoError(t, err)
}

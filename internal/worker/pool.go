// Package worker implements the consumer side of the job queue: a pool of
// stateless workers that dequeue, execute, and acknowledge jobs. Workers
// coordinate only through the queue's lease mechanism.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bahnwaerter/bumblebee/internal/queue"
)

// ErrNoHandler is recorded on jobs whose type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler executes one job. Errors are recorded and retried; delivery is
// at-least-once, so handlers must tolerate duplicate execution.
type Handler func(ctx context.Context, job queue.JobDescriptor) error

// Mux routes jobs to handlers by type.
type Mux struct {
	handlers map[string]Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for jobType, replacing any previous registration.
func (m *Mux) Handle(jobType string, h Handler) {
	m.handlers[jobType] = h
}

// Pool runs a fixed number of worker loops against a shared queue.
type Pool struct {
	q   queue.Queue
	mux *Mux

	size        int
	lease       time.Duration
	requeueBase time.Duration
	idleWait    time.Duration
}

// Options tunes a Pool.
type Options struct {
	Size          int
	LeaseDuration time.Duration
	RequeueBase   time.Duration
	// IdleWait is the sleep between polls of an empty queue.
	IdleWait time.Duration
}

// NewPool creates a Pool of opts.Size workers.
func NewPool(q queue.Queue, mux *Mux, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = time.Second
	}
	return &Pool{
		q:           q,
		mux:         mux,
		size:        opts.Size,
		lease:       opts.LeaseDuration,
		requeueBase: opts.RequeueBase,
		idleWait:    opts.IdleWait,
	}
}

// Run blocks until ctx is cancelled. Job failures never stop a worker; they
// are recorded through Nack and surface only via the dead-letter listing.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		i := i
		g.Go(func() error {
			return p.runWorker(ctx, i)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	logger := slog.With("worker", id)
	logger.InfoContext(ctx, "worker started")

	for {
		if err := ctx.Err(); err != nil {
			logger.InfoContext(ctx, "worker stopped")
			return err
		}

		job, lease, err := p.q.Dequeue(ctx, p.lease)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			p.sleep(ctx, p.idleWait)
			continue
		case err != nil:
			// Broker hiccup: back off briefly and retry.
			logger.WarnContext(ctx, "dequeue failed", "err", err)
			p.sleep(ctx, p.idleWait)
			continue
		}

		p.process(ctx, logger, job, lease)
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, job queue.JobDescriptor, lease queue.Lease) {
	logger.InfoContext(ctx, "job started",
		"job_id", job.ID, "type", job.Type, "attempt", job.Attempt)

	err := p.execute(ctx, job)
	if err == nil {
		if ackErr := p.q.Ack(ctx, lease); ackErr != nil {
			logger.WarnContext(ctx, "ack failed", "job_id", job.ID, "err", ackErr)
		}
		logger.InfoContext(ctx, "job done", "job_id", job.ID)
		return
	}

	delay := p.requeueDelay(job.Attempt)
	logger.WarnContext(ctx, "job failed",
		"job_id", job.ID, "type", job.Type, "attempt", job.Attempt,
		"requeue_delay", delay, "err", err)

	if nackErr := p.q.Nack(ctx, lease, delay, err); nackErr != nil {
		// A lost lease here means the job was already requeued for us.
		logger.DebugContext(ctx, "nack failed", "job_id", job.ID, "err", nackErr)
	}
}

// execute resolves the handler and runs it with panics converted to errors,
// so a misbehaving job can never take the worker down.
func (p *Pool) execute(ctx context.Context, job queue.JobDescriptor) (err error) {
	h, ok := p.mux.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// requeueDelay doubles the base per prior attempt, capped at 32x.
func (p *Pool) requeueDelay(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	return p.requeueBase << attempt
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

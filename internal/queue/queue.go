// Package queue implements the broker-backed job queue shared by the
// scheduler, the workers, and the application server. Delivery is
// at-least-once: a dequeued job is invisible to other consumers until it is
// acknowledged or its lease expires.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no job is due.
var ErrEmpty = errors.New("no job due")

// ErrLeaseNotHeld is returned by Nack when the lease is no longer current;
// Ack treats the same condition as a silent no-op.
var ErrLeaseNotHeld = errors.New("lease no longer held")

// JobDescriptor is one unit of asynchronous work.
type JobDescriptor struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	// FailureLog accumulates one entry per failed execution, newest last.
	// Populated on dead-letter listings.
	FailureLog []string `json:"failure_log,omitempty"`
}

// Lease is a time-bounded exclusive claim on a dequeued job. The token is
// fresh per claim; a stale token makes Ack a no-op and Nack an error.
type Lease struct {
	JobID     string
	member    string
	Token     string
	ExpiresAt time.Time
}

// Queue is the contract between producers and consumers.
type Queue interface {
	// Enqueue makes job visible at its ScheduledFor time (immediately when
	// zero) and returns the job id.
	Enqueue(ctx context.Context, job JobDescriptor) (string, error)
	// Dequeue claims the earliest due job for leaseDuration, or ErrEmpty.
	Dequeue(ctx context.Context, leaseDuration time.Duration) (JobDescriptor, Lease, error)
	// Ack permanently removes the job. A stale lease is a no-op.
	Ack(ctx context.Context, lease Lease) error
	// Nack records a failed execution and requeues the job after
	// requeueDelay, dead-lettering it when attempts are exhausted.
	Nack(ctx context.Context, lease Lease, requeueDelay time.Duration, cause error) error
	// DeadLetters lists jobs that exhausted their attempts, oldest first.
	DeadLetters(ctx context.Context, limit int64) ([]JobDescriptor, error)
}

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bahnwaerter/bumblebee/internal/queue"
)

// Job types produced by the scheduler and the application server.
const (
	TypeExpirySweep      = "expiry.check"
	TypeWorkspaceCleanup = "workspace.cleanup"
	TypeDesktopLaunch    = "desktop.launch"
	TypeDesktopShelve    = "desktop.shelve"
	TypeDesktopDelete    = "desktop.delete"
)

// dbExecer is the slice of pgxpool.Pool used by the maintenance handlers.
type dbExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewExpirySweepHandler advances the stage of every expiration that has
// passed its deadline. The sweep is idempotent: re-running it moves nothing
// twice because the deadline is pushed out with the stage.
func NewExpirySweepHandler(db dbExecer) Handler {
	return func(ctx context.Context, job queue.JobDescriptor) error {
		tag, err := db.Exec(ctx, `
			UPDATE expirations
			   SET stage = stage + 1,
			       expires_at = expires_at + interval '7 days'
			 WHERE expires_at <= now()`)
		if err != nil {
			return fmt.Errorf("expiry sweep: %w", err)
		}
		slog.InfoContext(ctx, "expiry sweep complete",
			"job_id", job.ID, "advanced", tag.RowsAffected())
		return nil
	}
}

type cleanupParams struct {
	// OlderThanDays bounds which soft-deleted instances are purged.
	OlderThanDays int `json:"older_than_days"`
}

// NewWorkspaceCleanupHandler purges desktop instances that were soft-deleted
// longer ago than the payload's older_than_days (default 30).
func NewWorkspaceCleanupHandler(db dbExecer) Handler {
	return func(ctx context.Context, job queue.JobDescriptor) error {
		params := cleanupParams{OlderThanDays: 30}
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &params); err != nil {
				return fmt.Errorf("workspace cleanup: decoding payload: %w", err)
			}
		}
		if params.OlderThanDays <= 0 {
			return fmt.Errorf("workspace cleanup: older_than_days must be positive, got %d",
				params.OlderThanDays)
		}

		tag, err := db.Exec(ctx, `
			DELETE FROM desktop_instances
			 WHERE deleted_at IS NOT NULL
			   AND deleted_at < now() - make_interval(days => $1)`,
			params.OlderThanDays)
		if err != nil {
			return fmt.Errorf("workspace cleanup: %w", err)
		}
		slog.InfoContext(ctx, "workspace cleanup complete",
			"job_id", job.ID, "purged", tag.RowsAffected())
		return nil
	}
}

type instanceParams struct {
	InstanceID string `json:"instance_id"`
}

func decodeInstanceParams(job queue.JobDescriptor) (instanceParams, error) {
	var params instanceParams
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &params); err != nil {
			return params, fmt.Errorf("decoding payload: %w", err)
		}
	}
	if params.InstanceID == "" {
		return params, fmt.Errorf("instance_id is required")
	}
	return params, nil
}

// NewDesktopLaunchHandler activates a requested or shelved desktop instance.
// Delivery is at-least-once, so an instance that is already active is a
// successful no-op rather than an error.
func NewDesktopLaunchHandler(db dbExecer) Handler {
	return func(ctx context.Context, job queue.JobDescriptor) error {
		params, err := decodeInstanceParams(job)
		if err != nil {
			return fmt.Errorf("desktop launch: %w", err)
		}

		tag, err := db.Exec(ctx, `
			UPDATE desktop_instances
			   SET status = 'active'
			 WHERE id = $1
			   AND status IN ('requested', 'shelved')
			   AND deleted_at IS NULL`,
			params.InstanceID)
		if err != nil {
			return fmt.Errorf("desktop launch: %w", err)
		}
		slog.InfoContext(ctx, "desktop launch complete",
			"job_id", job.ID, "instance_id", params.InstanceID,
			"changed", tag.RowsAffected())
		return nil
	}
}

// NewDesktopShelveHandler shelves an active instance and marks its volumes
// shelved so the cleanup job leaves them alone.
func NewDesktopShelveHandler(db dbExecer) Handler {
	return func(ctx context.Context, job queue.JobDescriptor) error {
		params, err := decodeInstanceParams(job)
		if err != nil {
			return fmt.Errorf("desktop shelve: %w", err)
		}

		tag, err := db.Exec(ctx, `
			UPDATE desktop_instances
			   SET status = 'shelved'
			 WHERE id = $1
			   AND status = 'active'`,
			params.InstanceID)
		if err != nil {
			return fmt.Errorf("desktop shelve: %w", err)
		}
		if tag.RowsAffected() > 0 {
			if _, err := db.Exec(ctx, `
				UPDATE volumes
				   SET shelved = true
				 WHERE instance_id = $1`,
				params.InstanceID); err != nil {
				return fmt.Errorf("desktop shelve: marking volumes: %w", err)
			}
		}
		slog.InfoContext(ctx, "desktop shelve complete",
			"job_id", job.ID, "instance_id", params.InstanceID,
			"changed", tag.RowsAffected())
		return nil
	}
}

// NewDesktopDeleteHandler soft-deletes an instance. Already-deleted
// instances are a no-op, so duplicate deliveries are harmless.
func NewDesktopDeleteHandler(db dbExecer) Handler {
	return func(ctx context.Context, job queue.JobDescriptor) error {
		params, err := decodeInstanceParams(job)
		if err != nil {
			return fmt.Errorf("desktop delete: %w", err)
		}

		tag, err := db.Exec(ctx, `
			UPDATE desktop_instances
			   SET status = 'deleted',
			       deleted_at = now()
			 WHERE id = $1
			   AND deleted_at IS NULL`,
			params.InstanceID)
		if err != nil {
			return fmt.Errorf("desktop delete: %w", err)
		}
		slog.InfoContext(ctx, "desktop delete complete",
			"job_id", job.ID, "instance_id", params.InstanceID,
			"changed", tag.RowsAffected())
		return nil
	}
}

// RegisterMaintenanceHandlers wires the periodic maintenance jobs onto mux.
func RegisterMaintenanceHandlers(mux *Mux, db dbExecer) {
	mux.Handle(TypeExpirySweep, NewExpirySweepHandler(db))
	mux.Handle(TypeWorkspaceCleanup, NewWorkspaceCleanupHandler(db))
}

// RegisterDesktopHandlers wires the desktop lifecycle jobs onto mux.
func RegisterDesktopHandlers(mux *Mux, db dbExecer) {
	mux.Handle(TypeDesktopLaunch, NewDesktopLaunchHandler(db))
	mux.Handle(TypeDesktopShelve, NewDesktopShelveHandler(db))
	mux.Handle(TypeDesktopDelete, NewDesktopDeleteHandler(db))
}

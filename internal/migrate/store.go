package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// lockKey identifies the migration advisory lock. Shared by every bootstrap
// attempt against the same database.
const lockKey int64 = 0x62756d626c6562 // "bumbleb"

// PGStore implements Store on a pgx pool. The advisory lock is session
// scoped, so the store pins one connection for the duration of the lock.
type PGStore struct {
	pool     *pgxpool.Pool
	lockConn *pgxpool.Conn
}

// NewPGStore creates a PGStore over an open pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) TryLock(ctx context.Context) (bool, error) {
	if s.lockConn == nil {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("acquiring lock connection: %w", err)
		}
		s.lockConn = conn
	}

	var got bool
	err := s.lockConn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&got)
	if err != nil {
		return false, err
	}
	return got, nil
}

func (s *PGStore) Unlock(ctx context.Context) error {
	if s.lockConn == nil {
		return nil
	}
	defer func() {
		s.lockConn.Release()
		s.lockConn = nil
	}()

	var released bool
	if err := s.lockConn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released); err != nil {
		return err
	}
	if !released {
		return errors.New("advisory lock was not held")
	}
	return nil
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS deployment_generation (
			id          int PRIMARY KEY CHECK (id = 1),
			generation  text NOT NULL,
			migrated_at timestamptz NOT NULL DEFAULT now()
		)`)
	return err
}

func (s *PGStore) LastGeneration(ctx context.Context) (string, error) {
	var gen string
	err := s.pool.QueryRow(ctx,
		"SELECT generation FROM deployment_generation WHERE id = 1").Scan(&gen)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return gen, nil
}

func (s *PGStore) AppliedSteps(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "SELECT name FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// ApplyStep runs the step's SQL and inserts its completion marker in one
// transaction, so a marker only ever exists for a committed step.
func (s *PGStore) ApplyStep(ctx context.Context, step Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, step.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING",
		step.Name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) RecordGeneration(ctx context.Context, gen string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployment_generation (id, generation) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET generation = $1, migrated_at = now()`,
		gen)
	return err
}

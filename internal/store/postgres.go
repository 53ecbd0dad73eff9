package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atulyaai/tantra/internal/model"
)

const createTasksTablePG = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    worker_type  TEXT NOT NULL,
    worker_id    TEXT NOT NULL,
    kind         TEXT NOT NULL,
    description  TEXT NOT NULL,
    priority     INTEGER NOT NULL,
    timeout_ns   BIGINT NOT NULL,
    status       TEXT NOT NULL,
    error        TEXT NOT NULL,
    progress     DOUBLE PRECISION NOT NULL,
    input        JSONB,
    metadata     JSONB,
    result       JSONB,
    created_at   TIMESTAMPTZ NOT NULL,
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    duration_ms  BIGINT NOT NULL
)`

const createTasksIndexPG = `CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at)`

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPool connects to the database at dsn and verifies it answers.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// NewPostgresStore opens a pool on dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	for _, stmt := range []string{createTasksTablePG, createTasksIndexPG} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate tasks table: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveTask upserts a task record.
func (s *PostgresStore) SaveTask(ctx context.Context, t *model.Task) error {
	r, err := toRecord(t)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			worker_type = EXCLUDED.worker_type,
			worker_id = EXCLUDED.worker_id,
			kind = EXCLUDED.kind,
			description = EXCLUDED.description,
			priority = EXCLUDED.priority,
			timeout_ns = EXCLUDED.timeout_ns,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			progress = EXCLUDED.progress,
			input = EXCLUDED.input,
			metadata = EXCLUDED.metadata,
			result = EXCLUDED.result,
			created_at = EXCLUDED.created_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms`,
		r.ID, r.WorkerType, r.WorkerID, r.Kind, r.Description, r.Priority, r.TimeoutNS,
		r.Status, r.Error, r.Progress, r.Input, r.Metadata, r.Result,
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanPostgresTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by created_at DESC, along with
// the total count of matching tasks.
func (s *PostgresStore) ListTasks(ctx context.Context, limit, offset int, status model.Status) ([]*model.Task, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE ($1 = '' OR status = $1)`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		string(status), limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanPostgresTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// GetTaskStats returns counts by status and kind and the average duration of
// tasks that reached a worker.
func (s *PostgresStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := newStats()

	if err := s.countInto(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := s.countInto(ctx, "SELECT kind, COUNT(*) FROM tasks GROUP BY kind", stats.CountByKind); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg *float64
	if err := s.pool.QueryRow(ctx,
		"SELECT AVG(duration_ms)::DOUBLE PRECISION FROM tasks WHERE started_at IS NOT NULL AND completed_at IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg != nil {
		stats.AvgDurationMS = *avg
	}

	return stats, nil
}

func (s *PostgresStore) countInto(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func scanPostgresTask(row rowScanner) (*model.Task, error) {
	var r record
	if err := row.Scan(
		&r.ID, &r.WorkerType, &r.WorkerID, &r.Kind, &r.Description, &r.Priority, &r.TimeoutNS,
		&r.Status, &r.Error, &r.Progress, &r.Input, &r.Metadata, &r.Result,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.DurationMS,
	); err != nil {
		return nil, err
	}
	return r.task()
}

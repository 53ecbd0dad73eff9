package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atulyaai/tantra/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    worker_type  TEXT NOT NULL,
    worker_id    TEXT NOT NULL,
    kind         TEXT NOT NULL,
    description  TEXT NOT NULL,
    priority     INTEGER NOT NULL,
    timeout_ns   INTEGER NOT NULL,
    status       TEXT NOT NULL,
    error        TEXT NOT NULL,
    progress     REAL NOT NULL,
    input        TEXT,
    metadata     TEXT,
    result       TEXT,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME,
    duration_ms  INTEGER NOT NULL
)`

const createTasksIndex = `CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at)`

const taskColumns = `id, worker_type, worker_id, kind, description, priority, timeout_ns,
	status, error, progress, input, metadata, result,
	created_at, started_at, completed_at, duration_ms`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createTasksIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate tasks table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTask upserts a task record.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *model.Task) error {
	r, err := toRecord(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worker_type = excluded.worker_type,
			worker_id = excluded.worker_id,
			kind = excluded.kind,
			description = excluded.description,
			priority = excluded.priority,
			timeout_ns = excluded.timeout_ns,
			status = excluded.status,
			error = excluded.error,
			progress = excluded.progress,
			input = excluded.input,
			metadata = excluded.metadata,
			result = excluded.result,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`,
		r.ID, r.WorkerType, r.WorkerID, r.Kind, r.Description, r.Priority, r.TimeoutNS,
		r.Status, r.Error, r.Progress, nullText(r.Input), nullText(r.Metadata), nullText(r.Result),
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by created_at DESC, along with
// the total count of matching tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int, status model.Status) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if status != "" {
		where, args = " WHERE status = ?", append(args, string(status))
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
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
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := newStats()

	if err := countInto(ctx, s.db, "SELECT status, COUNT(*) FROM tasks GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := countInto(ctx, s.db, "SELECT kind, COUNT(*) FROM tasks GROUP BY kind", stats.CountByKind); err != nil {
		return nil, fmt.Errorf("count by kind: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE started_at IS NOT NULL AND completed_at IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func countInto(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*model.Task, error) {
	var r record
	var input, metadata, result sql.NullString
	if err := row.Scan(
		&r.ID, &r.WorkerType, &r.WorkerID, &r.Kind, &r.Description, &r.Priority, &r.TimeoutNS,
		&r.Status, &r.Error, &r.Progress, &input, &metadata, &result,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.DurationMS,
	); err != nil {
		return nil, err
	}
	r.Input = nullBytes(input)
	r.Metadata = nullBytes(metadata)
	r.Result = nullBytes(result)
	return r.task()
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

// Package store persists finished tasks so their outcome outlives the
// orchestrator's bounded in-memory map.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atulyaai/tantra/internal/model"
)

// ErrNotFound is returned when a task is not in the store.
var ErrNotFound = errors.New("task not found")

// TaskStats holds aggregate statistics over stored tasks.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for task history.
type Store interface {
	// SaveTask inserts the task or replaces the stored copy.
	SaveTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// ListTasks returns tasks newest first and the total matching count.
	// An empty status matches every task.
	ListTasks(ctx context.Context, limit, offset int, status model.Status) ([]*model.Task, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}

// Recorder returns a finish hook that saves every terminal task to s.
func Recorder(s Store) func(ctx context.Context, t model.Task) error {
	return func(ctx context.Context, t model.Task) error {
		if err := s.SaveTask(ctx, &t); err != nil {
			return fmt.Errorf("record task %s: %w", t.ID, err)
		}
		return nil
	}
}

// record is the column layout shared by the SQL implementations.
type record struct {
	ID          string
	WorkerType  string
	WorkerID    string
	Kind        string
	Description string
	Priority    int
	TimeoutNS   int64
	Status      string
	Error       string
	Progress    float64
	Input       []byte
	Metadata    []byte
	Result      []byte
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  int64
}

func toRecord(t *model.Task) (record, error) {
	r := record{
		ID:          t.ID,
		WorkerType:  t.WorkerType,
		WorkerID:    t.WorkerID,
		Kind:        t.Kind,
		Description: t.Description,
		Priority:    int(t.Priority),
		TimeoutNS:   int64(t.Timeout),
		Status:      string(t.Status),
		Error:       t.Error,
		Progress:    t.Progress,
		CreatedAt:   t.CreatedAt.UTC(),
		StartedAt:   utcPtr(t.StartedAt),
		CompletedAt: utcPtr(t.CompletedAt),
		DurationMS:  t.Duration().Milliseconds(),
	}

	var err error
	if r.Input, err = encodeMap(t.Input); err != nil {
		return record{}, fmt.Errorf("encode input: %w", err)
	}
	if r.Metadata, err = encodeMap(t.Metadata); err != nil {
		return record{}, fmt.Errorf("encode metadata: %w", err)
	}
	if r.Result, err = encodeMap(t.Result); err != nil {
		return record{}, fmt.Errorf("encode result: %w", err)
	}
	return r, nil
}

func (r record) task() (*model.Task, error) {
	status, err := model.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}

	t := &model.Task{
		ID:          r.ID,
		WorkerType:  r.WorkerType,
		WorkerID:    r.WorkerID,
		Kind:        r.Kind,
		Description: r.Description,
		Priority:    model.Priority(r.Priority),
		Timeout:     time.Duration(r.TimeoutNS),
		Status:      status,
		Error:       r.Error,
		Progress:    r.Progress,
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   utcPtr(r.StartedAt),
		CompletedAt: utcPtr(r.CompletedAt),
	}

	if t.Input, err = decodeMap(r.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if t.Metadata, err = decodeMap(r.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if t.Result, err = decodeMap(r.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return t, nil
}

// encodeMap returns nil for a nil map so the column is stored as NULL.
func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	u := ts.UTC()
	return &u
}

func newStats() *TaskStats {
	return &TaskStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}
}

package model

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultTimeout is the execution deadline applied when a task specifies none.
const DefaultTimeout = 300 * time.Second

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// Task is a unit of work submitted for execution by a worker.
//
// StartedAt is set when a worker accepts the task and CompletedAt when it
// reaches a terminal status. A task that fails or is cancelled while still
// idle never started, so its StartedAt stays nil.
type Task struct {
	ID          string
	WorkerType  string
	WorkerID    string
	Kind        string
	Description string
	Input       map[string]any
	Priority    Priority
	Timeout     time.Duration
	Metadata    map[string]any
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Status      Status
	Result      map[string]any
	Error       string
	Progress    float64
}

// ApplyDefaults fills in the fields a caller may leave unset: id, creation
// time, status, timeout and the metadata map.
func (t *Task) ApplyDefaults(defaultTimeout time.Duration) {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusIdle
	}
	if t.Timeout <= 0 {
		if defaultTimeout <= 0 {
			defaultTimeout = DefaultTimeout
		}
		t.Timeout = defaultTimeout
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
}

// MarkStarted records that workerID accepted the task. started_at is only
// ever set once because idle is the only status that may enter running.
func (t *Task) MarkStarted(workerID string) error {
	if !ValidTransition(t.Status, StatusRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusRunning)
	}
	now := time.Now().UTC()
	t.StartedAt = &now
	t.WorkerID = workerID
	t.Status = StatusRunning
	return nil
}

// MarkTerminal moves the task into a terminal status. A completed task keeps
// result and clears error; every other terminal status keeps only the error
// message, defaulting to the status name when errMsg is empty.
func (t *Task) MarkTerminal(status Status, result map[string]any, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if !ValidTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}

	now := time.Now().UTC()
	t.CompletedAt = &now
	t.Status = status

	if status == StatusCompleted {
		t.Result = result
		t.Error = ""
		t.Progress = 1
		return nil
	}

	if errMsg == "" {
		errMsg = string(status)
	}
	t.Result = nil
	t.Error = errMsg
	return nil
}

// SetProgress records execution progress. Updates are ignored unless the
// task is running, and progress never moves backwards. Values are clamped
// to [0, 1]. It reports whether the stored value changed.
func (t *Task) SetProgress(p float64) bool {
	if t.Status != StatusRunning {
		return false
	}
	p = min(max(p, 0), 1)
	if p <= t.Progress {
		return false
	}
	t.Progress = p
	return true
}

// Duration returns the execution time, or zero if the task never started or
// has not finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Clone returns a copy that shares no maps or time pointers with t. Nested
// values inside the maps are shared.
func (t *Task) Clone() Task {
	c := *t
	c.Input = maps.Clone(t.Input)
	c.Metadata = maps.Clone(t.Metadata)
	c.Result = maps.Clone(t.Result)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

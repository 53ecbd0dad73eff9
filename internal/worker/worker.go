package worker

import (
	"context"
	"time"

	"github.com/atulyaai/tantra/internal/model"
)

// Worker is the interface that all task executors must implement. Concrete
// executors usually embed *Base and supply Execute.
//
// Start, Complete and Cancel are called by the orchestrator while it holds
// its scheduling lock, so they must not block.
type Worker interface {
	ID() string
	Name() string

	// Capabilities returns the tags this worker declares.
	Capabilities() []string

	// MaxConcurrent is the number of tasks the worker may run at once.
	MaxConcurrent() int

	// Load is the number of tasks currently reserved on the worker.
	Load() int

	// Accepts is a side-effect-free predicate on the task's kind and description.
	Accepts(t *model.Task) bool

	// Estimate returns an advisory duration and resource hints for t.
	Estimate(t *model.Task) Estimate

	// Start reserves a capacity slot and marks t running. It returns false
	// when the worker is paused, at capacity, or does not accept t.
	Start(t *model.Task) bool

	// Execute performs the work on a snapshot of the task. The context
	// carries the task deadline and cancellation signal.
	Execute(ctx context.Context, t model.Task) (map[string]any, error)

	// Complete records the outcome and frees the slot. It is called once per
	// started task unless the task was cancelled.
	Complete(t *model.Task, result map[string]any, err error)

	// Cancel removes a running task outside the normal completion path.
	Cancel(taskID string) bool

	// Stats returns a point-in-time view of the worker's bookkeeping.
	Stats() Stats
}

// Estimate is an advisory cost estimate for a task.
type Estimate struct {
	ExpectedDuration time.Duration  `json:"expected_duration"`
	ResourceHints    map[string]any `json:"resource_hints,omitempty"`
}

// HistoryEntry is one finished task in a worker's bounded ledger.
type HistoryEntry struct {
	TaskID      string        `json:"task_id"`
	Kind        string        `json:"kind"`
	Status      model.Status  `json:"status"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Stats describes a worker's state and performance.
type Stats struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Status          model.Status `json:"status"`
	Capabilities    []string     `json:"capabilities"`
	MaxConcurrent   int          `json:"max_concurrent_tasks"`
	CurrentTasks    []string     `json:"current_tasks"`
	Accepting       bool         `json:"accepting"`
	Completed       int          `json:"completed"`
	Failed          int          `json:"failed"`
	Cancelled       int          `json:"cancelled"`
	SuccessRate     float64      `json:"success_rate"`
	AvgExecutionMS  float64      `json:"avg_execution_ms"`
	HistoryLen      int          `json:"history_len"`
	DefaultTimeoutS float64      `json:"default_timeout_s"`
}

type progressKey struct{}

// ProgressFunc receives progress reports in the range [0, 1].
type ProgressFunc func(p float64)

// WithProgress returns a context that carries fn for ReportProgress.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards p to the reporter installed by the orchestrator.
// It is a no-op when ctx carries none.
func ReportProgress(ctx context.Context, p float64) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(p)
	}
}

package worker

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atulyaai/tantra/internal/model"
)

const (
	defaultMaxConcurrent = 1
	defaultHistorySize   = 100
)

// Config describes a worker built on Base.
type Config struct {
	Name           string
	Capabilities   []string
	MaxConcurrent  int           // default: 1
	DefaultTimeout time.Duration // default: model.DefaultTimeout
	HistorySize    int           // default: 100

	// Accept replaces the default predicate, which matches the task kind
	// against the declared capabilities.
	Accept func(t *model.Task) bool

	// EstimateFn replaces the default estimate derived from the average
	// execution time.
	EstimateFn func(t *model.Task) Estimate
}

// Base implements every Worker method except Execute. All exported methods
// are safe for concurrent use.
type Base struct {
	id             string
	name           string
	capabilities   []string
	capSet         map[string]struct{}
	maxConcurrent  int
	defaultTimeout time.Duration
	historySize    int
	accept         func(t *model.Task) bool
	estimate       func(t *model.Task) Estimate

	mu        sync.Mutex
	self      Worker
	accepting bool
	current   map[string]*model.Task
	history   []HistoryEntry
	completed int
	failed    int
	cancelled int
	avgExec   time.Duration
}

// NewBase creates a Base with a fresh worker id.
func NewBase(cfg Config) *Base {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = model.DefaultTimeout
	}

	caps := slices.Clone(cfg.Capabilities)
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}

	return &Base{
		id:             uuid.NewString(),
		name:           cfg.Name,
		capabilities:   caps,
		capSet:         capSet,
		maxConcurrent:  maxConcurrent,
		defaultTimeout: timeout,
		historySize:    historySize,
		accept:         cfg.Accept,
		estimate:       cfg.EstimateFn,
		accepting:      true,
		current:        make(map[string]*model.Task),
	}
}

// ID returns the worker id.
func (b *Base) ID() string { return b.id }

// Name returns the human-readable worker name.
func (b *Base) Name() string { return b.name }

// Capabilities returns a copy of the declared capability tags.
func (b *Base) Capabilities() []string { return slices.Clone(b.capabilities) }

// HasCapability reports whether c is declared.
func (b *Base) HasCapability(c string) bool {
	_, ok := b.capSet[c]
	return ok
}

// MaxConcurrent returns the capacity.
func (b *Base) MaxConcurrent() int { return b.maxConcurrent }

// DefaultTimeout returns the deadline suggested for tasks on this worker.
func (b *Base) DefaultTimeout() time.Duration { return b.defaultTimeout }

// Load returns the number of reserved slots.
func (b *Base) Load() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.current)
}

// SetAccepting pauses (false) or resumes (true) intake of new tasks.
// Running tasks are unaffected.
func (b *Base) SetAccepting(accepting bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepting = accepting
}

// Accepts applies the configured predicate, or matches t.Kind against the
// capability set.
func (b *Base) Accepts(t *model.Task) bool {
	if t == nil {
		return false
	}
	if b.accept != nil {
		return b.accept(t)
	}
	return b.HasCapability(t.Kind)
}

// Estimate returns the configured estimate, or the average execution time
// observed so far (falling back to the default timeout).
func (b *Base) Estimate(t *model.Task) Estimate {
	if b.estimate != nil {
		return b.estimate(t)
	}

	b.mu.Lock()
	expected := b.avgExec
	load := len(b.current)
	b.mu.Unlock()

	if expected == 0 {
		expected = b.defaultTimeout
	}
	return Estimate{
		ExpectedDuration: expected,
		ResourceHints: map[string]any{
			"load":                 load,
			"max_concurrent_tasks": b.maxConcurrent,
		},
	}
}

// Bind records the Worker that embeds b, so that Start asks its Accepts
// rather than Base's own. Registry.Register calls it; a worker used without
// a registry and overriding Accepts must call it itself.
func (b *Base) Bind(w Worker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.self = w
}

// Start reserves a slot for t. It never panics: a panicking accept
// predicate counts as a refusal.
func (b *Base) Start(t *model.Task) bool {
	if !b.safeAccepts(t) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.accepting || len(b.current) >= b.maxConcurrent {
		return false
	}
	if _, dup := b.current[t.ID]; dup {
		return false
	}
	if err := t.MarkStarted(b.id); err != nil {
		return false
	}
	b.current[t.ID] = t
	return true
}

func (b *Base) safeAccepts(t *model.Task) (ok bool) {
	b.mu.Lock()
	self := b.self
	b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	if self != nil {
		return self.Accepts(t)
	}
	return b.Accepts(t)
}

// Complete frees t's slot and records the outcome. If the orchestrator has
// already put t in a terminal status (timeout) that status is kept;
// otherwise t becomes completed, or failed when err is non-nil. Calls for
// tasks that are not reserved are ignored.
func (b *Base) Complete(t *model.Task, result map[string]any, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.current[t.ID]; !ok || cur != t {
		return
	}
	delete(b.current, t.ID)

	if !t.Status.IsTerminal() {
		if err != nil {
			_ = t.MarkTerminal(model.StatusFailed, nil, errMessage(err))
		} else {
			_ = t.MarkTerminal(model.StatusCompleted, result, "")
		}
	}

	b.recordLocked(t)
}

// Cancel removes a reserved task, marks it cancelled unless it is already
// terminal, and records it in the history.
func (b *Base) Cancel(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.current[taskID]
	if !ok {
		return false
	}
	delete(b.current, taskID)

	if !t.Status.IsTerminal() {
		_ = t.MarkTerminal(model.StatusCancelled, nil, "cancelled")
	}
	b.recordLocked(t)
	return true
}

// recordLocked updates counters, the running average and the ledger.
// Cancelled tasks do not affect the success rate or the average.
func (b *Base) recordLocked(t *model.Task) {
	dur := t.Duration()

	switch t.Status {
	case model.StatusCompleted:
		b.completed++
	case model.StatusFailed, model.StatusTimeout:
		b.failed++
	case model.StatusCancelled:
		b.cancelled++
	}

	if t.Status != model.StatusCancelled {
		n := time.Duration(b.completed + b.failed)
		b.avgExec += (dur - b.avgExec) / n
	}

	var completedAt time.Time
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}
	b.history = append(b.history, HistoryEntry{
		TaskID:      t.ID,
		Kind:        t.Kind,
		Status:      t.Status,
		Error:       t.Error,
		Duration:    dur,
		CompletedAt: completedAt,
	})
	if over := len(b.history) - b.historySize; over > 0 {
		b.history = slices.Delete(b.history, 0, over)
	}
}

// History returns a copy of the ledger, oldest first.
func (b *Base) History() []HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.history)
}

// SuccessRate is completed / (completed + failed), or 1 before any task
// has finished.
func (b *Base) SuccessRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successRateLocked()
}

func (b *Base) successRateLocked() float64 {
	total := b.completed + b.failed
	if total == 0 {
		return 1
	}
	return float64(b.completed) / float64(total)
}

// AverageExecutionTime returns the running mean over completed and failed tasks.
func (b *Base) AverageExecutionTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.avgExec
}

// Stats returns a snapshot of the worker's state.
func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := make([]string, 0, len(b.current))
	for id := range b.current {
		current = append(current, id)
	}
	sort.Strings(current)

	status := model.StatusIdle
	if len(b.current) > 0 {
		status = model.StatusRunning
	}

	return Stats{
		ID:              b.id,
		Name:            b.name,
		Status:          status,
		Capabilities:    slices.Clone(b.capabilities),
		MaxConcurrent:   b.maxConcurrent,
		CurrentTasks:    current,
		Accepting:       b.accepting,
		Completed:       b.completed,
		Failed:          b.failed,
		Cancelled:       b.cancelled,
		SuccessRate:     b.successRateLocked(),
		AvgExecutionMS:  float64(b.avgExec) / float64(time.Millisecond),
		HistoryLen:      len(b.history),
		DefaultTimeoutS: b.defaultTimeout.Seconds(),
	}
}

func errMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "execution failed"
}

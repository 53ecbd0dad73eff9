// Package recurring submits tasks on cron, fixed-interval or one-shot
// schedules.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/orchestrator"
)

// DefaultTickInterval is how often the background loop looks for due schedules.
const DefaultTickInterval = time.Second

var (
	// ErrScheduleNotFound is returned for an unknown schedule id.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrNoTrigger is returned when a schedule has no cron expression,
	// interval or run time.
	ErrNoTrigger = errors.New("schedule needs a cron expression, an interval or a run time")

	// ErrScheduleSpent is returned when enabling a one-shot schedule that
	// has already fired.
	ErrScheduleSpent = errors.New("one-shot schedule already ran")

	// ErrInvalidSchedule wraps every validation failure.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// MetadataScheduleID is the task metadata key carrying the id of the
// schedule that submitted it.
const MetadataScheduleID = "schedule_id"

// Submitter queues a task; *orchestrator.Orchestrator satisfies it.
type Submitter interface {
	SubmitTask(req orchestrator.SubmitRequest) (string, error)
}

// Schedule describes a task submitted on a trigger. Exactly one of
// CronExpr, Interval and RunAt is set. A RunAt schedule fires once, as soon
// as RunAt has passed, and then disables itself.
type Schedule struct {
	ID         string
	Name       string
	CronExpr   string
	Interval   time.Duration
	RunAt      time.Time
	Timezone   string
	Enabled    bool
	Template   orchestrator.SubmitRequest
	NextDueAt  time.Time // zero once a one-shot has fired
	LastRunAt  *time.Time
	LastTaskID string
	LastError  string
	RunCount   int

	// SuccessCount counts submitted tasks that completed. FailureCount
	// counts failed submissions and tasks that ended failed, timed out or
	// cancelled.
	SuccessCount int
	FailureCount int

	CreatedAt time.Time
}

// OneShot reports whether s fires only once.
func (s *Schedule) OneShot() bool { return !s.RunAt.IsZero() }

func (s *Schedule) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if s.Template.Kind == "" {
		return fmt.Errorf("%w: template kind is required", ErrInvalidSchedule)
	}
	triggers := 0
	for _, set := range []bool{s.CronExpr != "", s.Interval != 0, s.OneShot()} {
		if set {
			triggers++
		}
	}
	switch {
	case triggers > 1:
		return fmt.Errorf("%w: cron expression, interval and run time are mutually exclusive", ErrInvalidSchedule)
	case s.OneShot():
	case s.CronExpr != "":
		if err := ValidateCronExpr(s.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case s.Interval < 0:
		return fmt.Errorf("%w: negative interval", ErrInvalidSchedule)
	case s.Interval == 0:
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, ErrNoTrigger)
	}
	if _, err := s.Template.Task(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

// Config configures a Scheduler.
type Config struct {
	Submitter    Submitter
	Logger       *slog.Logger
	TickInterval time.Duration    // default: 1s
	Now          func() time.Time // default: time.Now
}

// Scheduler keeps schedules in memory and submits their templates when due.
// It is safe for concurrent use.
type Scheduler struct {
	submitter    Submitter
	logger       *slog.Logger
	tickInterval time.Duration
	now          func() time.Time

	mu        sync.Mutex
	schedules map[string]*Schedule

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		submitter:    cfg.Submitter,
		logger:       logger,
		tickInterval: tick,
		now:          now,
		schedules:    make(map[string]*Schedule),
	}
}

// Add validates s, assigns an id and its first due time, and stores it.
func (sc *Scheduler) Add(s Schedule) (Schedule, error) {
	if err := s.validate(); err != nil {
		return Schedule{}, err
	}

	now := sc.now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = now
	next, err := NextDue(&s, now)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	s.NextDueAt = next

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.schedules[s.ID]; ok {
		return Schedule{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidSchedule, s.ID)
	}
	stored := s
	sc.schedules[s.ID] = &stored

	sc.logger.Info("schedule added", "schedule_id", s.ID, "name", s.Name, "next_due_at", s.NextDueAt)
	return s, nil
}

// Remove deletes a schedule.
func (sc *Scheduler) Remove(id string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, ok := sc.schedules[id]; !ok {
		return false
	}
	delete(sc.schedules, id)
	return true
}

// Enable resumes a schedule; its next due time is computed from now.
func (sc *Scheduler) Enable(id string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	s, ok := sc.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	if s.Enabled {
		return nil
	}
	if s.OneShot() && s.RunCount > 0 {
		return ErrScheduleSpent
	}
	next, err := NextDue(s, sc.now())
	if err != nil {
		return err
	}
	s.Enabled = true
	s.NextDueAt = next
	return nil
}

// Disable pauses a schedule.
func (sc *Scheduler) Disable(id string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	s, ok := sc.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	s.Enabled = false
	return nil
}

// Get returns a copy of the schedule.
func (sc *Scheduler) Get(id string) (Schedule, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	s, ok := sc.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *s, true
}

// List returns copies of all schedules ordered by creation time, then name.
func (sc *Scheduler) List() []Schedule {
	sc.mu.Lock()
	out := make([]Schedule, 0, len(sc.schedules))
	for _, s := range sc.schedules {
		out = append(out, *s)
	}
	sc.mu.Unlock()

	slices.SortFunc(out, func(a, b Schedule) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Tick submits every enabled schedule due at now and advances its next due
// time. A schedule whose submission fails is still advanced and does not
// stop the others. It returns the number of tasks submitted.
func (sc *Scheduler) Tick(ctx context.Context, now time.Time) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var submitted int
	for _, s := range sc.dueLocked(now) {
		if ctx.Err() != nil {
			break
		}

		id, err := sc.submitter.SubmitTask(s.request())
		ran := now.UTC()
		s.LastRunAt = &ran
		s.RunCount++
		if err != nil {
			s.LastError = err.Error()
			s.FailureCount++
			sc.logger.Error("scheduled submission failed", "schedule_id", s.ID, "name", s.Name, "error", err)
		} else {
			s.LastError = ""
			s.LastTaskID = id
			submitted++
			sc.logger.Info("scheduled task submitted", "schedule_id", s.ID, "task_id", id)
		}

		if s.OneShot() {
			s.Enabled = false
			s.NextDueAt = time.Time{}
			sc.logger.Info("one-shot schedule fired", "schedule_id", s.ID)
			continue
		}

		next, err := NextDue(s, now)
		if err != nil {
			sc.logger.Error("failed to compute next due time, disabling schedule", "schedule_id", s.ID, "error", err)
			s.Enabled = false
			continue
		}
		s.NextDueAt = next
	}
	return submitted
}

// request is the schedule's template with the schedule id stamped into the
// task metadata.
func (s *Schedule) request() orchestrator.SubmitRequest {
	req := s.Template
	req.Metadata = maps.Clone(req.Metadata)
	if req.Metadata == nil {
		req.Metadata = make(map[string]any, 1)
	}
	req.Metadata[MetadataScheduleID] = s.ID
	return req
}

// Observe is a finish hook that credits a finished task to the schedule that
// submitted it. Tasks without a schedule id, or whose schedule has been
// removed, are ignored.
func (sc *Scheduler) Observe(_ context.Context, t model.Task) error {
	id, _ := t.Metadata[MetadataScheduleID].(string)
	if id == "" {
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	s, ok := sc.schedules[id]
	if !ok {
		return nil
	}
	switch t.Status {
	case model.StatusCompleted:
		s.SuccessCount++
	case model.StatusFailed, model.StatusTimeout, model.StatusCancelled:
		s.FailureCount++
	}
	return nil
}

// dueLocked returns the enabled schedules due at now, oldest due first.
func (sc *Scheduler) dueLocked(now time.Time) []*Schedule {
	var due []*Schedule
	for _, s := range sc.schedules {
		if s.Enabled && !s.NextDueAt.After(now) {
			due = append(due, s)
		}
	}
	slices.SortFunc(due, func(a, b *Schedule) int {
		return a.NextDueAt.Compare(b.NextDueAt)
	})
	return due
}

// Start runs Tick every tick interval until ctx is done or Stop is called.
func (sc *Scheduler) Start(ctx context.Context) {
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	sc.cancel = cancel
	sc.done = make(chan struct{})
	done := sc.done
	sc.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(sc.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sc.Tick(ctx, sc.now())
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	cancel, done := sc.cancel, sc.done
	sc.cancel, sc.done = nil, nil
	sc.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

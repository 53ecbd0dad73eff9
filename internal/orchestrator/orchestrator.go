package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atulyaai/tantra/internal/events"
	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/worker"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultCompletedCapacity = 1000
	DefaultHookTimeout       = 5 * time.Second
)

// State is the lifecycle state of an Orchestrator.
type State string

// Orchestrator states.
const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
)

// FinishHook observes every task that reaches a terminal status. Hooks run
// in their own goroutine with a bounded context and receive a snapshot.
type FinishHook func(ctx context.Context, t model.Task) error

// Config configures an Orchestrator.
type Config struct {
	Registry          *worker.Registry
	Logger            *slog.Logger
	PollInterval      time.Duration // default: 100ms
	CompletedCapacity int           // default: 1000
	DefaultTimeout    time.Duration // default: model.DefaultTimeout
	HookTimeout       time.Duration // default: 5s
	Hooks             []FinishHook
}

type flight struct {
	task   *model.Task
	worker worker.Worker
	cancel context.CancelFunc
}

// Orchestrator assigns queued tasks to registered workers. A single
// scheduling goroutine makes dispatch decisions; every dispatched task
// executes in its own goroutine under the task's deadline.
//
// One mutex guards the queue, the in-flight map, the completed map and the
// task records inside them. Worker Start, Complete and Cancel are called
// while it is held; Execute never is.
type Orchestrator struct {
	registry       *worker.Registry
	logger         *slog.Logger
	broker         *events.Broker
	hooks          []FinishHook
	pollInterval   time.Duration
	defaultTimeout time.Duration
	hookTimeout    time.Duration

	mu        sync.Mutex
	state     State
	queue     []*model.Task
	pending   map[string]*model.Task
	inFlight  map[string]*flight
	completed *lru.Cache[string, *model.Task]

	wake       chan struct{}
	stopMu     sync.Mutex // serializes Stop
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	// execCtx parents every execution context so Stop can release them all.
	execCtx    context.Context
	execCancel context.CancelFunc

	// wg tracks execution goroutines and finish hooks until Stop drains it.
	wg      sync.WaitGroup
	drained bool
}

// New creates an orchestrator in the not-started state.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	capacity := cfg.CompletedCapacity
	if capacity <= 0 {
		capacity = DefaultCompletedCapacity
	}
	completed, err := lru.New[string, *model.Task](capacity)
	if err != nil {
		return nil, fmt.Errorf("create completed cache: %w", err)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = model.DefaultTimeout
	}
	hookTimeout := cfg.HookTimeout
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}

	execCtx, execCancel := context.WithCancel(context.Background())

	return &Orchestrator{
		registry:       cfg.Registry,
		logger:         logger,
		broker:         events.NewBroker(capacity),
		hooks:          slices.Clone(cfg.Hooks),
		pollInterval:   pollInterval,
		defaultTimeout: defaultTimeout,
		hookTimeout:    hookTimeout,
		state:          StateNotStarted,
		pending:        make(map[string]*model.Task),
		inFlight:       make(map[string]*flight),
		completed:      completed,
		wake:           make(chan struct{}, 1),
		execCtx:        execCtx,
		execCancel:     execCancel,
	}, nil
}

// AddHook appends a finish hook. It applies to tasks that finish after the
// call.
func (o *Orchestrator) AddHook(h FinishHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(slices.Clip(o.hooks), h)
}

// Broker returns the orchestrator's event broker for SSE subscription.
func (o *Orchestrator) Broker() *events.Broker {
	return o.broker
}

// Registry returns the worker registry the orchestrator dispatches to.
func (o *Orchestrator) Registry() *worker.Registry {
	return o.registry
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start launches the scheduling loop. Calling it on a running orchestrator
// is a no-op; calling it after Stop returns ErrStopped. When ctx is done the
// orchestrator stops exactly as if Stop had been called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrStopped
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.loopCancel = cancel
	o.loopDone = make(chan struct{})
	o.state = StateRunning

	go o.run(loopCtx, o.loopDone)
	go o.stopWhenLoopEnds(o.loopDone)

	o.logger.Info("orchestrator started", "poll_interval", o.pollInterval.String())
	return nil
}

// stopWhenLoopEnds stops the orchestrator if the loop exited while the state
// still says running, which happens when the Start context ends.
func (o *Orchestrator) stopWhenLoopEnds(done <-chan struct{}) {
	<-done

	o.mu.Lock()
	running := o.state == StateRunning
	o.mu.Unlock()

	if running {
		o.logger.Info("scheduling loop context ended")
		o.Stop()
	}
}

// Stop halts the scheduling loop, force-cancels every in-flight task and
// waits for execution goroutines and finish hooks to return. Pending tasks
// stay queued and remain visible through Status.
func (o *Orchestrator) Stop() {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()

	o.mu.Lock()
	prev := o.state
	o.state = StateStopped
	cancel, done := o.loopCancel, o.loopDone
	o.mu.Unlock()

	if prev == StateRunning {
		cancel()
		<-done
	}

	o.mu.Lock()
	for _, f := range o.sortedFlightsLocked() {
		o.abortLocked(f, msgStopped)
	}
	o.drained = true
	o.mu.Unlock()

	o.execCancel()
	o.wg.Wait()

	if prev != StateStopped {
		o.logger.Info("orchestrator stopped")
	}
}

// Submit queues t and returns its id. The orchestrator takes ownership of t:
// missing defaults (id, creation time, timeout, metadata) are filled in.
// Tasks are ordered by priority, first come first served within a tier.
func (o *Orchestrator) Submit(t *model.Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if !t.Priority.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidTask, t.Priority)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateStopped {
		return "", ErrStopped
	}

	t.ApplyDefaults(o.defaultTimeout)
	if t.Status != model.StatusIdle {
		return "", fmt.Errorf("%w: status %s", ErrInvalidTask, t.Status)
	}
	if o.knownLocked(t.ID) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}

	o.enqueueLocked(t)
	tasksSubmitted.WithLabelValues(t.Priority.String()).Inc()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	o.logger.Debug("task submitted", "task_id", t.ID, "kind", t.Kind, "priority", t.Priority.String())
	return t.ID, nil
}

// enqueueLocked inserts t before the first task of strictly lower priority.
func (o *Orchestrator) enqueueLocked(t *model.Task) {
	i := len(o.queue)
	for j, q := range o.queue {
		if q.Priority < t.Priority {
			i = j
			break
		}
	}
	o.queue = slices.Insert(o.queue, i, t)
	o.pending[t.ID] = t
	queueDepth.Set(float64(len(o.queue)))
}

func (o *Orchestrator) knownLocked(id string) bool {
	if _, ok := o.pending[id]; ok {
		return true
	}
	if _, ok := o.inFlight[id]; ok {
		return true
	}
	return o.completed.Contains(id)
}

// Status returns a snapshot of the task, looking at in-flight tasks first,
// then completed ones, then the pending queue.
func (o *Orchestrator) Status(id string) (model.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.inFlight[id]; ok {
		return f.task.Clone(), true
	}
	if t, ok := o.completed.Peek(id); ok {
		return t.Clone(), true
	}
	if t, ok := o.pending[id]; ok {
		return t.Clone(), true
	}
	return model.Task{}, false
}

// Pending returns snapshots of the queued tasks in dequeue order.
func (o *Orchestrator) Pending() []model.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]model.Task, len(o.queue))
	for i, t := range o.queue {
		out[i] = t.Clone()
	}
	return out
}

// InFlight returns snapshots of the executing tasks ordered by start time.
func (o *Orchestrator) InFlight() []model.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	flights := o.sortedFlightsLocked()
	out := make([]model.Task, len(flights))
	for i, f := range flights {
		out[i] = f.task.Clone()
	}
	return out
}

// Completed returns snapshots of the retained finished tasks, oldest first.
func (o *Orchestrator) Completed() []model.Task {
	o.mu.Lock()
	defer o.mu.Unlock()

	tasks := o.completed.Values()
	out := make([]model.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// Counts returns the sizes of the pending queue, the in-flight map and the
// completed map.
func (o *Orchestrator) Counts() (queued, inFlight, completed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue), len(o.inFlight), o.completed.Len()
}

// Cancel stops a pending or in-flight task. It returns false when the task
// is unknown or already terminal.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.inFlight[id]; ok {
		o.abortLocked(f, ErrTaskCancelled.Error())
		return true
	}

	t, ok := o.pending[id]
	if !ok {
		return false
	}
	o.removePendingLocked(t)
	_ = t.MarkTerminal(model.StatusCancelled, nil, ErrTaskCancelled.Error())
	o.finishLocked(t)
	return true
}

// UnregisterWorker force-cancels the worker's in-flight tasks and removes it
// from the registry.
func (o *Orchestrator) UnregisterWorker(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.registry.Get(id); !ok {
		return false
	}
	for _, f := range o.sortedFlightsLocked() {
		if f.worker.ID() == id {
			o.abortLocked(f, msgUnregistered)
		}
	}
	o.registry.Unregister(id)

	o.logger.Info("worker unregistered", "worker_id", id)
	return true
}

func (o *Orchestrator) removePendingLocked(t *model.Task) {
	delete(o.pending, t.ID)
	if i := slices.Index(o.queue, t); i >= 0 {
		o.queue = slices.Delete(o.queue, i, i+1)
	}
	queueDepth.Set(float64(len(o.queue)))
}

func (o *Orchestrator) sortedFlightsLocked() []*flight {
	flights := make([]*flight, 0, len(o.inFlight))
	for _, f := range o.inFlight {
		flights = append(flights, f)
	}
	slices.SortFunc(flights, func(a, b *flight) int {
		return a.task.StartedAt.Compare(*b.task.StartedAt)
	})
	return flights
}

// abortLocked removes f from the in-flight map, cancels its context, marks
// the task cancelled with msg and tells the worker to release it.
func (o *Orchestrator) abortLocked(f *flight, msg string) {
	delete(o.inFlight, f.task.ID)
	f.cancel()

	if !f.task.Status.IsTerminal() {
		_ = f.task.MarkTerminal(model.StatusCancelled, nil, msg)
	}
	o.safeWorkerCall(f.worker, f.task.ID, "cancel", func() {
		f.worker.Cancel(f.task.ID)
	})
	o.finishLocked(f.task)
}

// finishLocked files a terminal task in the completed map and notifies
// subscribers and finish hooks.
func (o *Orchestrator) finishLocked(t *model.Task) {
	o.completed.Add(t.ID, t)

	tasksFinished.WithLabelValues(string(t.Status)).Inc()
	if t.StartedAt != nil {
		taskDuration.WithLabelValues(string(t.Status)).Observe(t.Duration().Seconds())
	}
	tasksInFlight.Set(float64(len(o.inFlight)))

	o.broker.Publish(events.NewEvent(events.TypeFinished, t))
	o.broker.Close(t.ID)

	o.logger.Info("task finished",
		"task_id", t.ID,
		"worker_id", t.WorkerID,
		"status", string(t.Status),
		"error", t.Error,
		"duration_ms", t.Duration().Milliseconds(),
	)

	if len(o.hooks) == 0 {
		return
	}
	hooks, snapshot := o.hooks, t.Clone()
	if o.drained {
		go o.runHooks(hooks, snapshot)
		return
	}
	o.wg.Go(func() { o.runHooks(hooks, snapshot) })
}

func (o *Orchestrator) runHooks(hooks []FinishHook, t model.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), o.hookTimeout)
	defer cancel()

	for _, hook := range hooks {
		if err := callHook(ctx, hook, t); err != nil {
			o.logger.Error("finish hook failed", "task_id", t.ID, "error", err)
		}
	}
}

func callHook(ctx context.Context, hook FinishHook, t model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return hook(ctx, t)
}

// safeWorkerCall runs fn, logging instead of propagating a panic.
func (o *Orchestrator) safeWorkerCall(w worker.Worker, taskID, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("worker panicked",
				"worker_id", w.ID(),
				"task_id", taskID,
				"op", op,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn()
}

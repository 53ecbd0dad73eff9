package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atulyaai/tantra/internal/events"
	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/worker"
)

// run is the scheduling loop. It dispatches while the queue is non-empty and
// otherwise sleeps for the poll interval or until a submission wakes it.
func (o *Orchestrator) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(o.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if o.dispatchNext() {
			continue
		}

		timer.Reset(o.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-timer.C:
		}
	}
}

// dispatchNext pops the head of the queue and hands it to a worker. It
// reports whether a task was taken off the queue.
func (o *Orchestrator) dispatchNext() (dispatched bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateRunning || len(o.queue) == 0 {
		return false
	}

	t := o.queue[0]
	o.removePendingLocked(t)

	var chosen worker.Worker
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("dispatch panicked", "task_id", t.ID, "panic", fmt.Sprint(r))
			o.recoverDispatchLocked(t, chosen, fmt.Errorf("dispatch panic: %v", r))
			dispatched = true
		}
	}()

	chosen = o.selectWorker(t)
	if chosen == nil {
		o.failLocked(t, ErrNoWorkerAvailable)
		return true
	}
	if !chosen.Start(t) {
		o.failLocked(t, ErrWorkerRejected)
		return true
	}

	o.launchLocked(t, chosen)
	return true
}

// selectWorker picks the least-loaded available worker that accepts t. Ties
// go to the earliest registered worker.
func (o *Orchestrator) selectWorker(t *model.Task) worker.Worker {
	var best worker.Worker
	bestLoad := 0
	for _, w := range o.registry.Available() {
		if t.WorkerType != "" && w.Name() != t.WorkerType {
			continue
		}
		if !o.safeAccepts(w, t) {
			continue
		}
		if load := w.Load(); best == nil || load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best
}

func (o *Orchestrator) safeAccepts(w worker.Worker, t *model.Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("worker accepts panicked",
				"worker_id", w.ID(),
				"task_id", t.ID,
				"panic", fmt.Sprint(r),
			)
			ok = false
		}
	}()
	return w.Accepts(t)
}

func (o *Orchestrator) failLocked(t *model.Task, reason error) {
	_ = t.MarkTerminal(model.StatusFailed, nil, reason.Error())
	dispatchFailures.WithLabelValues(reason.Error()).Inc()
	o.finishLocked(t)
}

// recoverDispatchLocked makes sure a task whose dispatch panicked still ends
// in exactly one terminal status.
func (o *Orchestrator) recoverDispatchLocked(t *model.Task, w worker.Worker, err error) {
	if f, ok := o.inFlight[t.ID]; ok {
		o.abortLocked(f, err.Error())
		return
	}
	if t.Status.IsTerminal() {
		return
	}
	if t.Status == model.StatusRunning && w != nil {
		_ = t.MarkTerminal(model.StatusFailed, nil, err.Error())
		o.safeWorkerCall(w, t.ID, "complete", func() {
			w.Complete(t, nil, err)
		})
		o.finishLocked(t)
		return
	}
	o.failLocked(t, err)
}

// launchLocked registers t as in flight and starts its execution goroutine.
func (o *Orchestrator) launchLocked(t *model.Task, w worker.Worker) {
	ctx, cancel := context.WithTimeout(o.execCtx, t.Timeout)
	f := &flight{task: t, worker: w, cancel: cancel}
	o.inFlight[t.ID] = f
	tasksInFlight.Set(float64(len(o.inFlight)))

	o.broker.Publish(events.NewEvent(events.TypeRunning, t))
	o.logger.Info("task dispatched",
		"task_id", t.ID,
		"worker_id", w.ID(),
		"worker", w.Name(),
		"timeout", t.Timeout.String(),
	)

	ctx = worker.WithProgress(ctx, func(p float64) { o.reportProgress(f, p) })
	snapshot := t.Clone()
	o.wg.Go(func() { o.execute(ctx, f, snapshot) })
}

type outcome struct {
	result map[string]any
	err    error
}

// execute runs the worker's Execute under the task deadline. When the
// deadline fires or the task is cancelled the call is abandoned: the
// goroutine running Execute is left to observe ctx on its own.
func (o *Orchestrator) execute(ctx context.Context, f *flight, snapshot model.Task) {
	defer f.cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		result, err := f.worker.Execute(ctx, snapshot)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		timedOut := out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
		o.settle(f, out, timedOut)
	case <-ctx.Done():
		o.settle(f, outcome{err: ctx.Err()}, errors.Is(ctx.Err(), context.DeadlineExceeded))
	}
}

// settle records the outcome of an execution. It does nothing if the task
// has already left the in-flight map through Cancel, UnregisterWorker or Stop.
func (o *Orchestrator) settle(f *flight, out outcome, timedOut bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := f.task
	if o.inFlight[t.ID] != f {
		return
	}
	delete(o.inFlight, t.ID)

	err := out.err
	if timedOut {
		_ = t.MarkTerminal(model.StatusTimeout, nil, ErrExecutionTimeout.Error())
		err = ErrExecutionTimeout
	}

	o.safeWorkerCall(f.worker, t.ID, "complete", func() {
		f.worker.Complete(t, out.result, err)
	})

	// A worker that did not record the outcome itself still leaves the task
	// in exactly one terminal status.
	if !t.Status.IsTerminal() {
		if err != nil {
			_ = t.MarkTerminal(model.StatusFailed, nil, err.Error())
		} else {
			_ = t.MarkTerminal(model.StatusCompleted, out.result, "")
		}
	}

	o.finishLocked(t)
}

func (o *Orchestrator) reportProgress(f *flight, p float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inFlight[f.task.ID] != f {
		return
	}
	if f.task.SetProgress(p) {
		o.broker.Publish(events.NewEvent(events.TypeProgress, f.task))
	}
}

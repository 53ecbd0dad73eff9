package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/worker"
)

func newTask(kind string) *model.Task {
	t := &model.Task{Kind: kind}
	t.ApplyDefaults(0)
	return t
}

func noop(context.Context, model.Task) (map[string]any, error) { return nil, nil }

func TestStartRespectsCapacity(t *testing.T) {
	w := worker.NewFunc(worker.Config{Name: "w", Capabilities: []string{"x"}, MaxConcurrent: 2}, noop)

	a, b, c := newTask("x"), newTask("x"), newTask("x")
	require.True(t, w.Start(a))
	require.True(t, w.Start(b))
	assert.False(t, w.Start(c), "third start must fail at capacity 2")
	assert.Equal(t, 2, w.Load())
	assert.Equal(t, model.StatusIdle, c.Status)

	w.Complete(a, map[string]any{"ok": true}, nil)
	assert.Equal(t, 1, w.Load())
	assert.True(t, w.Start(c))
}

func TestStartRefusals(t *testing.T) {
	tests := []struct {
		name  string
		cfg   worker.Config
		task  func() *model.Task
		pause bool
	}{
		{
			name: "unknown kind",
			cfg:  worker.Config{Capabilities: []string{"x"}},
			task: func() *model.Task { return newTask("y") },
		},
		{
			name:  "paused",
			cfg:   worker.Config{Capabilities: []string{"x"}},
			task:  func() *model.Task { return newTask("x") },
			pause: true,
		},
		{
			name: "panicking accept hook",
			cfg: worker.Config{Accept: func(*model.Task) bool {
				panic("boom")
			}},
			task: func() *model.Task { return newTask("x") },
		},
		{
			name: "already running",
			cfg:  worker.Config{Capabilities: []string{"x"}, MaxConcurrent: 4},
			task: func() *model.Task {
				tk := newTask("x")
				tk.Status = model.StatusRunning
				return tk
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := worker.NewFunc(tt.cfg, noop)
			if tt.pause {
				w.SetAccepting(false)
			}
			assert.NotPanics(t, func() {
				assert.False(t, w.Start(tt.task()))
			})
			assert.Zero(t, w.Load())
		})
	}
}

func TestStartDuplicate(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}, MaxConcurrent: 2}, noop)
	tk := newTask("x")
	require.True(t, w.Start(tk))

	dup := &model.Task{ID: tk.ID, Kind: "x", Status: model.StatusIdle}
	assert.False(t, w.Start(dup))
	assert.Equal(t, 1, w.Load())
}

func TestStartSetsRunningFields(t *testing.T) {
	w := worker.NewFunc(worker.Config{Name: "w", Capabilities: []string{"x"}}, noop)
	tk := newTask("x")
	require.True(t, w.Start(tk))

	assert.Equal(t, model.StatusRunning, tk.Status)
	assert.Equal(t, w.ID(), tk.WorkerID)
	assert.NotNil(t, tk.StartedAt)

	stats := w.Stats()
	assert.Equal(t, model.StatusRunning, stats.Status)
	assert.Equal(t, []string{tk.ID}, stats.CurrentTasks)
}

func TestCompleteOutcomes(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}, MaxConcurrent: 3}, noop)

	ok, bad, late := newTask("x"), newTask("x"), newTask("x")
	require.True(t, w.Start(ok))
	require.True(t, w.Start(bad))
	require.True(t, w.Start(late))

	w.Complete(ok, map[string]any{"n": 1}, nil)
	w.Complete(bad, nil, errors.New("exploded"))

	require.NoError(t, late.MarkTerminal(model.StatusTimeout, nil, "timeout"))
	w.Complete(late, nil, context.DeadlineExceeded)

	assert.Equal(t, model.StatusCompleted, ok.Status)
	assert.Equal(t, map[string]any{"n": 1}, ok.Result)
	assert.Equal(t, model.StatusFailed, bad.Status)
	assert.Equal(t, "exploded", bad.Error)
	assert.Equal(t, model.StatusTimeout, late.Status, "orchestrator-set timeout must be kept")

	stats := w.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Failed)
	assert.InDelta(t, 1.0/3.0, stats.SuccessRate, 1e-9)
	assert.Equal(t, model.StatusIdle, stats.Status)
	assert.Len(t, w.History(), 3)
}

func TestCompleteOnce(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}}, noop)
	tk := newTask("x")
	require.True(t, w.Start(tk))

	w.Complete(tk, nil, nil)
	w.Complete(tk, nil, errors.New("second call"))

	assert.Equal(t, model.StatusCompleted, tk.Status)
	assert.Equal(t, 1, w.Stats().Completed)
	assert.Zero(t, w.Stats().Failed)
	assert.Len(t, w.History(), 1)
}

func TestCompleteIgnoresUnknownTask(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}}, noop)
	tk := newTask("x")

	w.Complete(tk, nil, nil)
	assert.Equal(t, model.StatusIdle, tk.Status)
	assert.Empty(t, w.History())
}

func TestCancel(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}}, noop)
	tk := newTask("x")
	require.True(t, w.Start(tk))

	assert.True(t, w.Cancel(tk.ID))
	assert.False(t, w.Cancel(tk.ID))
	assert.Equal(t, model.StatusCancelled, tk.Status)
	assert.Zero(t, w.Load())

	stats := w.Stats()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1.0, stats.SuccessRate, "cancelled tasks do not count against the success rate")
	assert.Zero(t, stats.AvgExecutionMS)
}

func TestHistoryIsBounded(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}, HistorySize: 3}, noop)

	var last string
	for i := 0; i < 5; i++ {
		tk := newTask("x")
		require.True(t, w.Start(tk))
		w.Complete(tk, nil, nil)
		last = tk.ID
	}

	h := w.History()
	require.Len(t, h, 3)
	assert.Equal(t, last, h[2].TaskID)
	assert.Equal(t, 5, w.Stats().Completed)
}

func TestAverageExecutionTime(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}, MaxConcurrent: 2}, noop)

	tk := newTask("x")
	require.True(t, w.Start(tk))
	time.Sleep(20 * time.Millisecond)
	w.Complete(tk, nil, nil)

	avg := w.AverageExecutionTime()
	assert.GreaterOrEqual(t, avg, 20*time.Millisecond)

	est := w.Estimate(newTask("x"))
	assert.Equal(t, avg, est.ExpectedDuration)
	assert.Equal(t, 2, est.ResourceHints["max_concurrent_tasks"])
}

func TestEstimateDefaults(t *testing.T) {
	w := worker.NewFunc(worker.Config{Capabilities: []string{"x"}, DefaultTimeout: 42 * time.Second}, noop)
	est := w.Estimate(newTask("x"))
	assert.Equal(t, 42*time.Second, est.ExpectedDuration)

	custom := worker.NewFunc(worker.Config{
		EstimateFn: func(*model.Task) worker.Estimate {
			return worker.Estimate{ExpectedDuration: time.Second}
		},
	}, noop)
	assert.Equal(t, time.Second, custom.Estimate(newTask("x")).ExpectedDuration)
}

func TestAcceptsHook(t *testing.T) {
	w := worker.NewFunc(worker.Config{
		Capabilities: []string{"analysis"},
		Accept: func(tk *model.Task) bool {
			return tk.Description != ""
		},
	}, noop)

	assert.False(t, w.Accepts(&model.Task{Kind: "analysis"}))
	assert.True(t, w.Accepts(&model.Task{Kind: "other", Description: "anything"}))
	assert.False(t, w.Accepts(nil))
}

func TestReportProgress(t *testing.T) {
	var got []float64
	ctx := worker.WithProgress(context.Background(), func(p float64) {
		got = append(got, p)
	})

	worker.ReportProgress(ctx, 0.5)
	worker.ReportProgress(context.Background(), 0.9)

	assert.Equal(t, []float64{0.5}, got)
}

// routedWorker takes kinds its capabilities do not list.
type routedWorker struct {
	*worker.Base
	kinds map[string]bool
}

func (w *routedWorker) Accepts(t *model.Task) bool { return t != nil && w.kinds[t.Kind] }

func (w *routedWorker) Execute(context.Context, model.Task) (map[string]any, error) {
	return nil, nil
}

func TestStartUsesOverridingAccepts(t *testing.T) {
	w := &routedWorker{
		Base:  worker.NewBase(worker.Config{Name: "routed", Capabilities: []string{"x"}}),
		kinds: map[string]bool{"y": true},
	}

	assert.False(t, w.Start(newTask("y")), "unbound base falls back to its own predicate")

	reg := worker.NewRegistry()
	require.NoError(t, reg.Register(w))

	assert.True(t, w.Start(newTask("y")))
	assert.False(t, w.Start(newTask("x")), "overriding Accepts refuses x")
	assert.Equal(t, 1, w.Load())
}

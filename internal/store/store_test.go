package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/atulyaai/tantra/internal/model"
)

// storeSuite runs the behaviour every Store implementation shares.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, newStore(t)) })
	t.Run("SaveUpserts", func(t *testing.T) { testSaveUpserts(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("ListPagination", func(t *testing.T) { testListPagination(t, newStore(t)) })
	t.Run("ListOrderingAndFilter", func(t *testing.T) { testListOrderingAndFilter(t, newStore(t)) })
	t.Run("ListEmpty", func(t *testing.T) { testListEmpty(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("Recorder", func(t *testing.T) { testRecorder(t, newStore(t)) })
}

func makeTestTask(status model.Status) *model.Task {
	created := time.Now().UTC().Truncate(time.Millisecond)
	t := &model.Task{
		ID:          model.NewID(),
		WorkerType:  "echo",
		Kind:        "echo",
		Description: "say hi",
		Input:       map[string]any{"msg": "hi", "n": float64(3)},
		Priority:    model.PriorityHigh,
		Timeout:     90 * time.Second,
		Metadata:    map[string]any{},
		CreatedAt:   created,
		Status:      status,
	}
	if status == model.StatusIdle {
		return t
	}

	started := created.Add(10 * time.Millisecond)
	completed := started.Add(250 * time.Millisecond)
	t.WorkerID = "worker-1"
	t.StartedAt = &started
	t.CompletedAt = &completed
	if status == model.StatusCompleted {
		t.Result = map[string]any{"echo": "hi"}
		t.Progress = 1
	} else {
		t.Error = string(status)
	}
	return t
}

func testSaveAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	want := makeTestTask(model.StatusCompleted)

	if err := s.SaveTask(ctx, want); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := s.GetTask(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if !got.CreatedAt.Equal(want.CreatedAt) || !got.StartedAt.Equal(*want.StartedAt) || !got.CompletedAt.Equal(*want.CompletedAt) {
		t.Errorf("timestamps = %v/%v/%v, want %v/%v/%v",
			got.CreatedAt, got.StartedAt, got.CompletedAt,
			want.CreatedAt, want.StartedAt, want.CompletedAt)
	}

	// Compare everything else field by field.
	got.CreatedAt, got.StartedAt, got.CompletedAt = want.CreatedAt, want.StartedAt, want.CompletedAt
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetTask mismatch\n got: %#v\nwant: %#v", got, want)
	}
}

func testSaveUpserts(t *testing.T, s Store) {
	ctx := context.Background()
	task := makeTestTask(model.StatusIdle)

	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	if err := task.MarkStarted("w"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := task.MarkTerminal(model.StatusFailed, nil, "boom"); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask again: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusFailed || got.Error != "boom" || got.WorkerID != "w" {
		t.Errorf("got status=%q error=%q worker=%q", got.Status, got.Error, got.WorkerID)
	}
	if got.Result != nil {
		t.Errorf("Result = %v, want nil", got.Result)
	}
}

func testGetNotFound(t *testing.T, s Store) {
	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func testListPagination(t *testing.T, s Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := makeTestTask(model.StatusCompleted)
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask[%d]: %v", i, err)
		}
	}

	tasks, total, err := s.ListTasks(ctx, 2, 0, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 || len(tasks) != 2 {
		t.Errorf("page 1: total=%d len=%d, want 5/2", total, len(tasks))
	}

	tasks, total, err = s.ListTasks(ctx, 2, 4, "")
	if err != nil {
		t.Fatalf("ListTasks page 3: %v", err)
	}
	if total != 5 || len(tasks) != 1 {
		t.Errorf("page 3: total=%d len=%d, want 5/1", total, len(tasks))
	}
}

func testListOrderingAndFilter(t *testing.T, s Store) {
	ctx := context.Background()

	statuses := []model.Status{model.StatusCompleted, model.StatusFailed, model.StatusCompleted}
	for i, st := range statuses {
		task := makeTestTask(st)
		task.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask[%d]: %v", i, err)
		}
	}

	tasks, _, err := s.ListTasks(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].CreatedAt.After(tasks[i-1].CreatedAt) {
			t.Errorf("tasks not in DESC order at %d", i)
		}
	}

	completed, total, err := s.ListTasks(ctx, 10, 0, model.StatusCompleted)
	if err != nil {
		t.Fatalf("ListTasks completed: %v", err)
	}
	if total != 2 || len(completed) != 2 {
		t.Errorf("completed filter: total=%d len=%d, want 2/2", total, len(completed))
	}
	for _, task := range completed {
		if task.Status != model.StatusCompleted {
			t.Errorf("filtered list contains %q", task.Status)
		}
	}
}

func testListEmpty(t *testing.T, s Store) {
	tasks, total, err := s.ListTasks(context.Background(), 10, 0, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 || tasks != nil {
		t.Errorf("got total=%d tasks=%v, want 0/nil", total, tasks)
	}
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()

	empty, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats empty: %v", err)
	}
	if empty.Total != 0 || empty.AvgDurationMS != 0 {
		t.Errorf("empty stats = %+v", empty)
	}

	tasks := []*model.Task{
		makeTestTask(model.StatusCompleted),
		makeTestTask(model.StatusTimeout),
		makeTestTask(model.StatusIdle),
	}
	tasks[2].Kind = "delay"
	_ = tasks[2].MarkTerminal(model.StatusCancelled, nil, "")

	for _, task := range tasks {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus["completed"] != 1 || stats.CountByStatus["timeout"] != 1 || stats.CountByStatus["cancelled"] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByKind["echo"] != 2 || stats.CountByKind["delay"] != 1 {
		t.Errorf("CountByKind = %v", stats.CountByKind)
	}
	// The cancelled task never started, so only the two 250ms runs count.
	if stats.AvgDurationMS != 250 {
		t.Errorf("AvgDurationMS = %v, want 250", stats.AvgDurationMS)
	}
}

func testRecorder(t *testing.T, s Store) {
	task := makeTestTask(model.StatusCompleted)
	if err := Recorder(s)(context.Background(), *task); err != nil {
		t.Fatalf("Recorder: %v", err)
	}
	if _, err := s.GetTask(context.Background(), task.ID); err != nil {
		t.Errorf("recorded task not stored: %v", err)
	}
}

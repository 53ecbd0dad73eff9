package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atulyaai/tantra/internal/model"
)

func TestSubmitTaskValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"kind":"echo","description":"say hi","input":{"msg":"hi"},"priority":"high","timeout_s":30}`
	var task model.Task
	resp := do(t, ts, http.MethodPost, "/v1/tasks", body, &task)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(task.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(task.ID))
	}
	if task.Priority != model.PriorityHigh {
		t.Errorf("Priority = %v, want HIGH", task.Priority)
	}
	if task.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", task.Timeout)
	}

	done := waitForTerminal(t, ts, task.ID)
	if done.Status != model.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error %q)", done.Status, done.Error)
	}
	if got := done.Result["echo"].(map[string]any)["msg"]; got != "hi" {
		t.Errorf("result echo.msg = %v, want hi", got)
	}
}

func TestSubmitTaskRejected(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"missing kind", `{"description":"nothing to do"}`},
		{"unknown priority", `{"kind":"echo","priority":"urgent"}`},
		{"negative timeout", `{"kind":"echo","timeout_s":-1}`},
		{"huge timeout", `{"kind":"echo","timeout_s":1e300}`},
		{"timeout past a week", `{"kind":"echo","timeout_s":604801}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp map[string]string
			resp := do(t, ts, http.MethodPost, "/v1/tasks", tt.body, &errResp)

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestSubmitTaskTimeoutBound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var errResp map[string]string
	resp := do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"echo","timeout_s":9.3e9}`, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if want := "timeout_s must be between 0 and 604800"; errResp["error"] != want {
		t.Errorf("error = %q, want %q", errResp["error"], want)
	}

	var task map[string]any
	resp = do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"echo","timeout_s":604800}`, &task)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status at the bound = %d, want 202", resp.StatusCode)
	}
}

func TestSubmitTaskAfterStop(t *testing.T) {
	srv := newTestServer(t)
	srv.orch.Stop()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"echo"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSubmitTaskWithoutWorkerFails(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var task model.Task
	do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"translate"}`, &task)

	done := waitForTerminal(t, ts, task.ID)
	if done.Status != model.StatusFailed || done.Error != "no available worker" {
		t.Errorf("got %q / %q, want failed / no available worker", done.Status, done.Error)
	}
	if done.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", done.StartedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := do(t, ts, http.MethodGet, "/v1/tasks/nonexistent", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetTaskFallsBackToStore(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	now := time.Now().UTC()
	stored := &model.Task{
		ID:          model.NewID(),
		Kind:        "echo",
		Priority:    model.PriorityLow,
		Timeout:     time.Minute,
		CreatedAt:   now.Add(-time.Minute),
		StartedAt:   &now,
		CompletedAt: &now,
		Status:      model.StatusCompleted,
		Result:      map[string]any{"ok": true},
		Metadata:    map[string]any{},
		Progress:    1,
	}
	if err := srv.store.SaveTask(context.Background(), stored); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	var task model.Task
	resp := do(t, ts, http.MethodGet, "/v1/tasks/"+stored.ID, "", &task)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if task.Status != model.StatusCompleted || task.Result["ok"] != true {
		t.Errorf("task = %+v, want the stored copy", task)
	}
}

func TestListTasksFromHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 3 {
		var task model.Task
		do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"echo"}`, &task)
		waitForTerminal(t, ts, task.ID)
	}

	// Finish hooks run asynchronously; wait for all three to be recorded.
	var list ListTasksResponse
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		do(t, ts, http.MethodGet, "/v1/tasks?status=completed&limit=2", "", &list)
		if list.Total == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if list.Total != 3 {
		t.Fatalf("Total = %d, want 3", list.Total)
	}
	if len(list.Tasks) != 2 || list.Limit != 2 {
		t.Errorf("page = %d tasks (limit %d), want 2", len(list.Tasks), list.Limit)
	}
}

func TestListPendingTasks(t *testing.T) {
	srv := newTestServerWith(t, testOptions{noStart: true})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"echo","priority":"low"}`, nil)
	var critical model.Task
	do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"echo","priority":"critical"}`, &critical)

	var list ListTasksResponse
	resp := do(t, ts, http.MethodGet, "/v1/tasks?status=idle", "", &list)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if list.Total != 2 || len(list.Tasks) != 2 {
		t.Fatalf("got %d/%d tasks, want 2", len(list.Tasks), list.Total)
	}
	if list.Tasks[0].ID != critical.ID {
		t.Errorf("first pending = %s, want the critical task %s", list.Tasks[0].ID, critical.ID)
	}

	do(t, ts, http.MethodGet, "/v1/tasks?status=idle&offset=5", "", &list)
	if len(list.Tasks) != 0 || list.Total != 2 {
		t.Errorf("offset past end: got %d tasks, total %d", len(list.Tasks), list.Total)
	}
}

func TestListTasksInvalidStatus(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := do(t, ts, http.MethodGet, "/v1/tasks?status=sleeping", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelPendingTask(t *testing.T) {
	srv := newTestServerWith(t, testOptions{noStart: true})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var task model.Task
	do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"echo"}`, &task)

	var cancelled model.Task
	resp := do(t, ts, http.MethodDelete, "/v1/tasks/"+task.ID, "", &cancelled)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", cancelled.Status)
	}

	resp = do(t, ts, http.MethodDelete, "/v1/tasks/"+task.ID, "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}

	resp = do(t, ts, http.MethodDelete, "/v1/tasks/nonexistent", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelRunningTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var task model.Task
	do(t, ts, http.MethodPost, "/v1/tasks", `{"kind":"delay","input":{"duration_sec":10}}`, &task)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var cur model.Task
		do(t, ts, http.MethodGet, "/v1/tasks/"+task.ID, "", &cur)
		if cur.Status == model.StatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var cancelled model.Task
	resp := do(t, ts, http.MethodDelete, "/v1/tasks/"+task.ID, "", &cancelled)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.StartedAt == nil {
		t.Errorf("got %q started_at=%v, want cancelled after start", cancelled.Status, cancelled.StartedAt)
	}
}

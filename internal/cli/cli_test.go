package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/atulyaai/tantra/internal/api"
	"github.com/atulyaai/tantra/internal/events"
	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/orchestrator"
	"github.com/atulyaai/tantra/internal/recurring"
	"github.com/atulyaai/tantra/internal/store"
	"github.com/atulyaai/tantra/internal/worker"
	"github.com/atulyaai/tantra/internal/worker/builtin"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := worker.NewRegistry()
	if err := reg.Register(builtin.NewEcho(2, 0)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:     reg,
		Logger:       logger,
		PollInterval: 5 * time.Millisecond,
		Hooks:        []orchestrator.FinishHook{store.Recorder(s)},
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	t.Cleanup(orch.Stop)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sched := recurring.New(recurring.Config{Submitter: orch, Logger: logger})
	orch.AddHook(sched.Observe)
	srv := api.NewServer(":0", orch, s, sched, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestParseKeyValues(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]any
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"typed", []string{"n=3", "ok=true", "s=hello", "z=null"},
			map[string]any{"n": 3.0, "ok": true, "s": "hello", "z": nil}, false},
		{"value with equals", []string{"q=a=b"}, map[string]any{"q": "a=b"}, false},
		{"json object stays a string", []string{"o={\"a\":1}"}, map[string]any{"o": `{"a":1}`}, false},
		{"missing equals", []string{"novalue"}, nil, true},
		{"empty key", []string{"=x"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKeyValues(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBuildInput(t *testing.T) {
	got, err := buildInput(`{"a":1,"b":"x"}`, []string{"b=y", "c=2"})
	if err != nil {
		t.Fatalf("buildInput: %v", err)
	}
	want := map[string]any{"a": 1.0, "b": "y", "c": 2.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	if _, err := buildInput(`[1,2]`, nil); err == nil {
		t.Error("expected error for a JSON array")
	}
	if _, err := buildInput(`null`, nil); err == nil {
		t.Error("expected error for JSON null")
	}
}

func TestClientTaskLifecycle(t *testing.T) {
	ts := newTestAPI(t)
	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	task, err := c.SubmitTask(ctx, api.SubmitTaskRequest{Kind: "echo", Input: map[string]any{"msg": "hi"}})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	var seen []string
	err = c.WatchTask(ctx, task.ID, func(ev events.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("WatchTask: %v", err)
	}
	if len(seen) == 0 || seen[len(seen)-1] != events.TypeFinished {
		t.Errorf("events = %v, want to end with finished", seen)
	}

	got, err := c.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	_, err = c.CancelTask(ctx, task.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("cancel finished task err = %v, want 409 APIError", err)
	}

	_, err = c.GetTask(ctx, "missing")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "task not found" {
		t.Errorf("get missing err = %v, want 404 task not found", err)
	}
}

func TestClientWorkersStatsSchedules(t *testing.T) {
	ts := newTestAPI(t)
	c := NewClient(ts.URL)
	ctx := context.Background()

	workers, err := c.ListWorkers(ctx, "")
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].Name != "echo" {
		t.Errorf("workers = %+v", workers)
	}

	capable, err := c.ListWorkers(ctx, "echo")
	if err != nil {
		t.Fatalf("ListWorkers(echo): %v", err)
	}
	if len(capable) != 1 || capable[0].Estimate == nil {
		t.Errorf("capable workers = %+v, want echo with an estimate", capable)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Orchestrator.State != orchestrator.StateRunning {
		t.Errorf("State = %q", stats.Orchestrator.State)
	}

	s, err := c.AddSchedule(ctx, api.ScheduleRequest{
		Name:     "every-minute",
		Interval: "1m",
		Task:     api.SubmitTaskRequest{Kind: "echo"},
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	s, err = c.DisableSchedule(ctx, s.ID)
	if err != nil || s.Enabled {
		t.Fatalf("DisableSchedule: %v enabled=%v", err, s.Enabled)
	}

	list, err := c.ListSchedules(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSchedules: %v (%d)", err, len(list))
	}

	if err := c.RemoveSchedule(ctx, s.ID); err != nil {
		t.Fatalf("RemoveSchedule: %v", err)
	}
	if err := c.RemoveSchedule(ctx, s.ID); err == nil {
		t.Error("expected error removing a schedule twice")
	}
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()

	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	return cmd.ExecuteContext(context.Background())
}

func newCommands(t *testing.T, url string, jsonMode bool) (*cobra.Command, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer
	clientFn := func() *Client { return NewClient(url) }
	outputFn := func() *Output { return NewOutputTo(jsonMode, &out, io.Discard) }

	root := &cobra.Command{Use: "tantra"}
	root.AddCommand(
		NewTaskCmd(clientFn, outputFn),
		NewWorkersCmd(clientFn, outputFn),
		NewStatsCmd(clientFn, outputFn),
		NewScheduleCmd(clientFn, outputFn),
	)
	return root, &out
}

func TestTaskSubmitWaitCommand(t *testing.T) {
	ts := newTestAPI(t)
	root, out := newCommands(t, ts.URL, false)

	err := runCommand(t, root, "task", "submit", "echo", "--input", "msg=hi", "--priority", "high", "--wait", "--exit-status")
	if err != nil {
		t.Fatalf("task submit: %v", err)
	}

	table := out.String()
	if !strings.Contains(table, "STATUS") || !strings.Contains(table, "completed") || !strings.Contains(table, "HIGH") {
		t.Errorf("unexpected output:\n%s", table)
	}
}

func TestTaskSubmitExitStatus(t *testing.T) {
	ts := newTestAPI(t)
	root, _ := newCommands(t, ts.URL, false)

	err := runCommand(t, root, "task", "submit", "echo", "--input", "fail=boom", "--wait", "--exit-status")
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Errorf("err = %v, want a failed-status error", err)
	}
}

func TestScheduleAddCommandJSON(t *testing.T) {
	ts := newTestAPI(t)
	root, out := newCommands(t, ts.URL, true)

	err := runCommand(t, root, "schedule", "add", "echo", "--name", "tick", "--interval", "30s", "--disabled")
	if err != nil {
		t.Fatalf("schedule add: %v", err)
	}
	if !strings.Contains(out.String(), `"enabled": false`) || !strings.Contains(out.String(), `"interval": "30s"`) {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	err = runCommand(t, root, "schedule", "add", "echo", "--name", "both", "--interval", "30s", "--cron", "* * * * *")
	if err == nil {
		t.Error("expected error when both --cron and --interval are set")
	}
}

func TestWorkersAndStatsCommands(t *testing.T) {
	ts := newTestAPI(t)
	root, out := newCommands(t, ts.URL, false)

	if err := runCommand(t, root, "workers"); err != nil {
		t.Fatalf("workers: %v", err)
	}
	if !strings.Contains(out.String(), "echo") {
		t.Errorf("workers output missing echo:\n%s", out.String())
	}

	out.Reset()
	if err := runCommand(t, root, "stats"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out.String(), "running") {
		t.Errorf("stats output missing state:\n%s", out.String())
	}

	out.Reset()
	if err := runCommand(t, root, "workers", "--capability", "echo"); err != nil {
		t.Fatalf("workers --capability: %v", err)
	}
	if !strings.Contains(out.String(), "EST_MS") {
		t.Errorf("capability listing missing estimate column:\n%s", out.String())
	}
}

func TestScheduleAddAtCommand(t *testing.T) {
	ts := newTestAPI(t)

	root, out := newCommands(t, ts.URL, false)
	if err := runCommand(t, root, "schedule", "add", "echo", "--name", "once", "--at", "1h"); err != nil {
		t.Fatalf("schedule add --at: %v", err)
	}
	table := out.String()
	if !strings.Contains(table, "TRIGGER") || !strings.Contains(table, "at ") || !strings.Contains(table, "once") {
		t.Errorf("unexpected output:\n%s", table)
	}

	root, _ = newCommands(t, ts.URL, false)
	err := runCommand(t, root, "schedule", "add", "echo", "--name", "mixed", "--at", "1h", "--interval", "30s")
	if err == nil {
		t.Error("expected error when both --at and --interval are set")
	}

	root, _ = newCommands(t, ts.URL, false)
	err = runCommand(t, root, "schedule", "add", "echo", "--name", "bad", "--at", "tomorrow")
	if err == nil || !strings.Contains(err.Error(), "--at") {
		t.Errorf("err = %v, want an invalid --at error", err)
	}
}

func TestParseRunAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseRunAt("2026-03-02T08:30:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("timestamp: got %v, %v", got, err)
	}

	got, err = parseRunAt("90s", now)
	if err != nil || !got.Equal(now.Add(90*time.Second)) {
		t.Errorf("delay: got %v, %v", got, err)
	}

	for _, bad := range []string{"-5m", "0s", "noon"} {
		if _, err := parseRunAt(bad, now); err == nil {
			t.Errorf("parseRunAt(%q): expected error", bad)
		}
	}
}

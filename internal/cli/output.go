package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atulyaai/tantra/internal/api"
	"github.com/atulyaai/tantra/internal/model"
)

// Output renders command results. Data goes to w as an aligned table, or as
// indented JSON in JSON mode; notices always go to errW so that piping the
// data stays clean.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput creates an Output on stdout and stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo creates an Output on the given writers.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// column is one table column: its header and how to render a cell.
type column[T any] struct {
	header string
	cell   func(T) string
}

var taskColumns = []column[*model.Task]{
	{"ID", func(t *model.Task) string { return t.ID }},
	{"KIND", func(t *model.Task) string { return t.Kind }},
	{"PRIORITY", func(t *model.Task) string { return t.Priority.String() }},
	{"STATUS", func(t *model.Task) string { return string(t.Status) }},
	{"PROGRESS", func(t *model.Task) string { return percent(t.Progress, 0) }},
	{"WORKER", func(t *model.Task) string { return t.WorkerID }},
	{"CREATED", func(t *model.Task) string { return timestamp(t.CreatedAt) }},
	{"ERROR", func(t *model.Task) string { return t.Error }},
}

var workerColumns = []column[api.WorkerView]{
	{"ID", func(w api.WorkerView) string { return w.ID }},
	{"NAME", func(w api.WorkerView) string { return w.Name }},
	{"CAPABILITIES", func(w api.WorkerView) string { return strings.Join(w.Capabilities, ",") }},
	{"STATUS", func(w api.WorkerView) string { return string(w.Status) }},
	{"LOAD", func(w api.WorkerView) string {
		return fmt.Sprintf("%d/%d", len(w.CurrentTasks), w.MaxConcurrent)
	}},
	{"DONE", func(w api.WorkerView) string { return strconv.Itoa(w.Completed) }},
	{"FAILED", func(w api.WorkerView) string { return strconv.Itoa(w.Failed) }},
	{"SUCCESS", func(w api.WorkerView) string { return percent(w.SuccessRate, 1) }},
	{"AVG_MS", func(w api.WorkerView) string { return strconv.FormatFloat(w.AvgExecutionMS, 'f', 1, 64) }},
}

// estimateColumn is appended to workerColumns for capability listings.
var estimateColumn = column[api.WorkerView]{"EST_MS", func(w api.WorkerView) string {
	if w.Estimate == nil {
		return ""
	}
	return strconv.FormatFloat(w.Estimate.ExpectedDurationMS, 'f', 0, 64)
}}

var scheduleColumns = []column[api.ScheduleResponse]{
	{"ID", func(s api.ScheduleResponse) string { return s.ID }},
	{"NAME", func(s api.ScheduleResponse) string { return s.Name }},
	{"TRIGGER", scheduleTrigger},
	{"KIND", func(s api.ScheduleResponse) string { return s.Task.Kind }},
	{"ENABLED", func(s api.ScheduleResponse) string { return strconv.FormatBool(s.Enabled) }},
	{"NEXT_DUE", func(s api.ScheduleResponse) string {
		if s.NextDueAt == nil {
			return "-"
		}
		return timestamp(*s.NextDueAt)
	}},
	{"RUNS", func(s api.ScheduleResponse) string { return strconv.Itoa(s.RunCount) }},
	{"OK", func(s api.ScheduleResponse) string { return strconv.Itoa(s.SuccessCount) }},
	{"FAILED", func(s api.ScheduleResponse) string { return strconv.Itoa(s.FailureCount) }},
	{"LAST_ERROR", func(s api.ScheduleResponse) string { return s.LastError }},
}

func scheduleTrigger(s api.ScheduleResponse) string {
	switch {
	case s.Cron != "":
		if s.Timezone != "" {
			return "cron " + s.Cron + " (" + s.Timezone + ")"
		}
		return "cron " + s.Cron
	case s.Interval != "":
		return "every " + s.Interval
	case s.RunAt != nil:
		return "at " + timestamp(*s.RunAt)
	}
	return ""
}

// printRows renders items with cols, or data as JSON in JSON mode.
func printRows[T any](o *Output, cols []column[T], items []T, data any) {
	if o.jsonMode {
		o.JSON(data)
		return
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	cells := make([]string, len(cols))
	for i, c := range cols {
		cells[i] = c.header
	}
	fmt.Fprintln(tw, strings.Join(cells, "\t"))

	for _, item := range items {
		for i, c := range cols {
			cells[i] = c.cell(item)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
}

// Tasks prints tasks, or data in JSON mode.
func (o *Output) Tasks(tasks []*model.Task, data any) {
	printRows(o, taskColumns, tasks, data)
}

// Task prints a single task.
func (o *Output) Task(t *model.Task) {
	o.Tasks([]*model.Task{t}, t)
}

// Workers prints workers. The estimate column is shown when any worker
// carries an estimate.
func (o *Output) Workers(workers []api.WorkerView) {
	cols := workerColumns
	for _, w := range workers {
		if w.Estimate != nil {
			cols = append(cols[:len(cols):len(cols)], estimateColumn)
			break
		}
	}
	printRows(o, cols, workers, workers)
}

// Schedules prints schedules, or data in JSON mode.
func (o *Output) Schedules(schedules []api.ScheduleResponse, data any) {
	printRows(o, scheduleColumns, schedules, data)
}

// Schedule prints a single schedule.
func (o *Output) Schedule(s *api.ScheduleResponse) {
	o.Schedules([]api.ScheduleResponse{*s}, s)
}

// KeyValues prints two-column METRIC/VALUE rows, or data in JSON mode.
func (o *Output) KeyValues(rows [][2]string, data any) {
	printRows(o, []column[[2]string]{
		{"METRIC", func(r [2]string) string { return r[0] }},
		{"VALUE", func(r [2]string) string { return r[1] }},
	}, rows, data)
}

// JSON writes v as indented JSON.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(o.errW, "encode output: %v\n", err)
	}
}

// Success writes a human-readable message to the message stream.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

func percent(frac float64, prec int) string {
	return strconv.FormatFloat(frac*100, 'f', prec, 64) + "%"
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

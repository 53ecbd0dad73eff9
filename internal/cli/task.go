package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/atulyaai/tantra/internal/api"
	"github.com/atulyaai/tantra/internal/events"
	"github.com/atulyaai/tantra/internal/model"
)

// NewTaskCmd creates the task command group.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}

	cmd.AddCommand(
		newTaskSubmitCmd(clientFn, outputFn),
		newTaskShowCmd(clientFn, outputFn),
		newTaskCancelCmd(clientFn, outputFn),
		newTaskListCmd(clientFn, outputFn),
		newTaskWatchCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		req        api.SubmitTaskRequest
		inputs     []string
		inputJSON  string
		metadata   []string
		timeout    time.Duration
		wait       bool
		waitStatus bool
	)

	cmd := &cobra.Command{
		Use:   "submit KIND",
		Short: "Submit a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req.Kind = args[0]
			req.TimeoutS = timeout.Seconds()

			var err error
			if req.Input, err = buildInput(inputJSON, inputs); err != nil {
				return err
			}
			if req.Metadata, err = parseKeyValues(metadata); err != nil {
				return err
			}

			t, err := client.SubmitTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Task submitted: %s", t.ID))

			if wait {
				err := client.WatchTask(cmd.Context(), t.ID, func(events.Event) error { return nil })
				if err != nil {
					return err
				}
				if t, err = client.GetTask(cmd.Context(), t.ID); err != nil {
					return err
				}
			}

			out.Task(t)

			if wait && waitStatus && t.Status != model.StatusCompleted {
				return fmt.Errorf("task %s finished with status %s", t.ID, t.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Description, "description", "", "Free-text description")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "Priority (LOW, NORMAL, HIGH, CRITICAL)")
	cmd.Flags().StringVar(&req.WorkerType, "worker-type", "", "Only dispatch to workers with this name")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (e.g. 30s); server default when zero")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&inputJSON, "input-json", "", "Input as a JSON object; --input values are merged on top")
	cmd.Flags().StringSliceVar(&metadata, "meta", nil, "Metadata as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to finish")
	cmd.Flags().BoolVar(&waitStatus, "exit-status", false, "With --wait, fail unless the task completed")

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := clientFn().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Task(t)
			if t.Result != nil && !out.jsonMode {
				out.Success("Result: " + compactJSON(t.Result))
			}
			return nil
		},
	}
}

func newTaskCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := clientFn().CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Task cancelled: %s", args[0]))
			out.Task(t)
			return nil
		},
	}
}

func newTaskListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListTasksOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long: "List tasks. Idle and running tasks come from the live queue; " +
			"every other status comes from the task history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := clientFn().ListTasks(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Tasks(resp.Tasks, resp)
			if !out.jsonMode {
				out.Success(fmt.Sprintf("%d of %d tasks", len(resp.Tasks), resp.Total))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (idle, running, completed, failed, timeout, cancelled)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newTaskWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "watch ID",
		Short: "Stream a task's lifecycle events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			return clientFn().WatchTask(cmd.Context(), args[0], func(ev events.Event) error {
				if out.jsonMode {
					out.JSON(ev)
					return nil
				}
				line := fmt.Sprintf("%s  %-8s  %-9s  %3.0f%%",
					ev.Time.Format(time.RFC3339), ev.Type, ev.Status, ev.Progress*100)
				if ev.Error != "" {
					line += "  " + ev.Error
				}
				fmt.Fprintln(out.w, line)
				return nil
			})
		},
	}
}

// buildInput merges KEY=VALUE pairs over an optional JSON object.
func buildInput(rawJSON string, pairs []string) (map[string]any, error) {
	var input map[string]any
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &input); err != nil {
			return nil, fmt.Errorf("invalid --input-json: %w", err)
		}
		if input == nil {
			return nil, errors.New("invalid --input-json: expected an object")
		}
	}

	kv, err := parseKeyValues(pairs)
	if err != nil {
		return nil, err
	}
	if kv == nil {
		return input, nil
	}
	if input == nil {
		return kv, nil
	}
	for k, v := range kv {
		input[k] = v
	}
	return input, nil
}

// parseKeyValues parses KEY=VALUE pairs. Values that are valid JSON scalars
// (numbers, booleans, null) keep their type; everything else is a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid value %q, expected KEY=VALUE", kv)
		}
		out[key] = scalar(value)
	}
	return out, nil
}

func scalar(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case float64, bool, nil:
			return v
		}
	}
	return s
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

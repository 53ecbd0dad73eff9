package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/atulyaai/tantra/internal/api"
)

// NewScheduleCmd creates the schedule command group.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring submissions",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleAddCmd(clientFn, outputFn),
		newScheduleRemoveCmd(clientFn, outputFn),
		newScheduleToggleCmd("enable", "Resume a schedule", clientFn, outputFn, (*Client).EnableSchedule),
		newScheduleToggleCmd("disable", "Pause a schedule", clientFn, outputFn, (*Client).DisableSchedule),
	)

	return cmd
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedules, err := clientFn().ListSchedules(cmd.Context())
			if err != nil {
				return err
			}

			outputFn().Schedules(schedules, schedules)
			return nil
		},
	}
}

func newScheduleAddCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		req      api.ScheduleRequest
		interval time.Duration
		timeout  time.Duration
		runAt    string
		inputs   []string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add KIND",
		Short: "Add a schedule that submits a task of KIND",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Task.Kind = args[0]
			req.Task.TimeoutS = timeout.Seconds()
			if interval > 0 {
				req.Interval = interval.String()
			}
			if runAt != "" {
				at, err := parseRunAt(runAt, time.Now())
				if err != nil {
					return err
				}
				req.RunAt = &at
			}
			if disabled {
				enabled := false
				req.Enabled = &enabled
			}

			var err error
			if req.Task.Input, err = parseKeyValues(inputs); err != nil {
				return err
			}

			s, err := clientFn().AddSchedule(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Schedule created: %s", s.ID))
			out.Schedule(s)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Schedule name (required)")
	cmd.Flags().StringVar(&req.Cron, "cron", "", "Cron expression (e.g. '*/5 * * * *')")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Fixed interval (e.g. 90s)")
	cmd.Flags().StringVar(&runAt, "at", "", "Run once at an RFC 3339 time, or after a delay (e.g. 10m)")
	cmd.Flags().StringVar(&req.Timezone, "timezone", "", "IANA timezone for the cron expression")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule paused")
	cmd.Flags().StringVar(&req.Task.Description, "description", "", "Task description")
	cmd.Flags().StringVar(&req.Task.Priority, "priority", "", "Task priority")
	cmd.Flags().StringVar(&req.Task.WorkerType, "worker-type", "", "Task worker type")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Task timeout")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Task input as KEY=VALUE (repeatable)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("cron", "interval", "at")
	cmd.MarkFlagsOneRequired("cron", "interval", "at")

	return cmd
}

func newScheduleRemoveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().RemoveSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Schedule removed: %s", args[0]))
			return nil
		},
	}
}

type toggleFunc func(c *Client, ctx context.Context, id string) (*api.ScheduleResponse, error)

func newScheduleToggleCmd(use, short string, clientFn func() *Client, outputFn func() *Output, toggle toggleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := toggle(clientFn(), cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Schedule(s)
			return nil
		},
	}
}

// parseRunAt accepts an RFC 3339 timestamp or a positive delay from now.
func parseRunAt(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid --at %q, expected an RFC 3339 time or a positive duration", s)
	}
	return now.Add(d), nil
}

func sortedKeys(m map[string]int) []string {
	return slices.Sorted(maps.Keys(m))
}

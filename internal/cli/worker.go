package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewWorkersCmd lists the registered workers.
func NewWorkersCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var capability string

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Long: "List registered workers. With --capability, only workers that can take " +
			"a task of that kind right now are listed, each with its duration estimate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := clientFn().ListWorkers(cmd.Context(), capability)
			if err != nil {
				return err
			}

			outputFn().Workers(workers)
			return nil
		},
	}

	cmd.Flags().StringVar(&capability, "capability", "", "Only list available workers for this task kind")

	return cmd
}

// NewStatsCmd prints orchestrator and history statistics.
func NewStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show orchestrator and task history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := clientFn().Stats(cmd.Context())
			if err != nil {
				return err
			}

			o := stats.Orchestrator
			rows := [][2]string{
				{"state", string(o.State)},
				{"queued", strconv.Itoa(o.QueuedCount)},
				{"in_flight", strconv.Itoa(o.InFlightCount)},
				{"completed", strconv.Itoa(o.CompletedCount)},
				{"workers", fmt.Sprintf("%d available / %d registered", o.AvailableWorkerCount, o.RegisteredWorkerCount)},
			}
			if h := stats.History; h != nil {
				rows = append(rows,
					[2]string{"history_total", strconv.Itoa(h.Total)},
					[2]string{"history_avg_ms", strconv.FormatFloat(h.AvgDurationMS, 'f', 1, 64)},
				)
				for _, st := range sortedKeys(h.CountByStatus) {
					rows = append(rows, [2]string{"history_" + st, strconv.Itoa(h.CountByStatus[st])})
				}
			}

			outputFn().KeyValues(rows, stats)
			return nil
		},
	}
}

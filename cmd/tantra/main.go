// Command tantra runs the task orchestration server and talks to it.
//
// Usage:
//
//	tantra serve
//	tantra [--api-url URL] [--json] <command> [subcommand] [flags]
//
// Client commands:
//
//	task      submit, show, cancel, list and watch tasks
//	workers   list registered workers
//	stats     orchestrator and history statistics
//	schedule  manage recurring submissions
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atulyaai/tantra/internal/cli"
)

const defaultAPIURL = "http://localhost:8080"

// version is set with -ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "tantra",
		Short:         "tantra - priority task orchestration engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := defaultAPIURL
	if v := os.Getenv("TANTRA_API_URL"); v != "" {
		defaultURL = v
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL (env TANTRA_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		newServeCmd(),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewWorkersCmd(clientFn, outputFn),
		cli.NewStatsCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
	)

	return rootCmd
}

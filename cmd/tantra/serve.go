package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atulyaai/tantra/internal/api"
	"github.com/atulyaai/tantra/internal/config"
	"github.com/atulyaai/tantra/internal/events"
	"github.com/atulyaai/tantra/internal/orchestrator"
	"github.com/atulyaai/tantra/internal/recurring"
	"github.com/atulyaai/tantra/internal/store"
	"github.com/atulyaai/tantra/internal/worker"
	"github.com/atulyaai/tantra/internal/worker/builtin"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and the HTTP API",
		Long:  "Run the orchestrator and the HTTP API. Configuration is read from TANTRA_* environment variables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

// serve wires every component and blocks until ctx is done. Deferred
// shutdown runs in reverse: scheduler, orchestrator (draining finish
// hooks), AMQP connection, store.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("tantra: starting",
		"listen_addr", cfg.ListenAddr,
		"db_driver", cfg.DBDriver,
		"amqp", cfg.AMQPURL != "",
	)

	db, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reg := worker.NewRegistry()
	for _, w := range []worker.Worker{
		builtin.NewEcho(cfg.BuiltinConcurrency, cfg.WorkerHistory),
		builtin.NewDelay(cfg.BuiltinConcurrency, cfg.WorkerHistory),
	} {
		if err := reg.Register(w); err != nil {
			return fmt.Errorf("register worker %s: %w", w.Name(), err)
		}
		logger.Info("worker registered", "worker_id", w.ID(), "worker", w.Name(), "max_concurrent", w.MaxConcurrent())
	}

	hooks := []orchestrator.FinishHook{store.Recorder(db)}
	if cfg.AMQPURL != "" {
		conn, err := events.Dial(cfg.AMQPURL, logger)
		if err != nil {
			return fmt.Errorf("connect to amqp: %w", err)
		}
		defer conn.Close()

		if err := events.DeclareTopology(ctx, conn); err != nil {
			return fmt.Errorf("declare amqp topology: %w", err)
		}
		hooks = append(hooks, events.NewPublisher(conn, logger).PublishTaskFinished)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:          reg,
		Logger:            logger,
		PollInterval:      cfg.PollInterval,
		CompletedCapacity: cfg.CompletedCapacity,
		DefaultTimeout:    cfg.DefaultTimeout,
		Hooks:             hooks,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	sched := recurring.New(recurring.Config{
		Submitter:    orch,
		Logger:       logger,
		TickInterval: cfg.ScheduleTick,
	})
	orch.AddHook(sched.Observe)
	sched.Start(ctx)
	defer sched.Stop()

	srv := api.NewServer(cfg.ListenAddr, orch, db, sched, logger)
	return srv.Run(ctx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DBURL)
	default:
		return store.NewSQLiteStore(cfg.DBPath)
	}
}

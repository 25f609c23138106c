package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bahnwaerter/bumblebee/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background worker pool",
	Long: `The worker pool consumes jobs from the broker-backed queue and runs
the registered handlers. Jobs are delivered at-least-once: a worker that
crashes mid-job loses its lease and the job is retried, with exponential
backoff, until the attempt budget is spent and the job is dead-lettered.

Workers wait for both Postgres and Redis before consuming.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Shutdown()

	if err := app.orchestrator.WaitForDependencies(ctx,
		cfg.Readiness.Timeout, cfg.Readiness.PollInterval); err != nil {
		return fmt.Errorf("waiting for dependencies: %w", err)
	}

	pool, err := app.pg.Pool(ctx)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	mux := worker.NewMux()
	worker.RegisterMaintenanceHandlers(mux, pool)
	worker.RegisterDesktopHandlers(mux, pool)

	p := worker.NewPool(app.queue, mux, worker.Options{
		Size:          cfg.Worker.Concurrency,
		LeaseDuration: cfg.Queue.LeaseDuration,
		RequeueBase:   cfg.Queue.RequeueDelayBase,
		IdleWait:      cfg.Queue.DequeueBlock,
	})

	slog.Info("worker pool starting", "concurrency", cfg.Worker.Concurrency)

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker pool: %w", err)
	}
	slog.Info("worker pool stopped cleanly")
	return nil
}

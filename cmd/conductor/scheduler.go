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

	"github.com/bahnwaerter/bumblebee/internal/readiness"
	"github.com/bahnwaerter/bumblebee/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the recurring-job scheduler",
	Long: `The scheduler enqueues recurring maintenance jobs at their configured
intervals. Replicas compete for a broker-side leadership lock; only the
current leader enqueues, so running several replicas never duplicates
work. A replica that loses leadership drops back to competing for it.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Shutdown()

	if err := readiness.WaitReady(ctx, app.redis,
		cfg.Readiness.Timeout, cfg.Readiness.PollInterval); err != nil {
		return fmt.Errorf("waiting for redis: %w", err)
	}

	entries, err := scheduler.EntriesFromConfig(cfg.Scheduler.Entries)
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if len(entries) == 0 {
		entries = scheduler.DefaultEntries()
		slog.Info("no schedule configured, using built-in maintenance schedule")
	}

	leader := scheduler.NewRedisLeader(app.redis.Client(),
		cfg.Scheduler.LeadershipKey, cfg.Scheduler.LeadershipTTL)
	sched := scheduler.New(leader, app.queue, entries, cfg.Scheduler.TickInterval)

	slog.Info("scheduler starting",
		"entries", len(entries), "tick", cfg.Scheduler.TickInterval)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler: %w", err)
	}
	slog.Info("scheduler stopped cleanly")
	return nil
}

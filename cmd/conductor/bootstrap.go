package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bahnwaerter/bumblebee/internal/migrate"
	"github.com/bahnwaerter/bumblebee/internal/readiness"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Run the migration gate once and exit",
	Long: `Bootstrap waits for Postgres, then runs the migration gate: it takes
the deployment's advisory lock, compares the persisted generation marker
against the configured migration steps, and applies any missing steps.

Concurrent replicas running bootstrap serialise on the lock; a replica
that arrives after a successful run short-circuits without reapplying
anything. The command prints a JSON result to stdout and exits 0 on
success or non-zero on failure.`,
	RunE: runBootstrap,
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Shutdown()

	slog.Info("starting bootstrap")

	if err := readiness.WaitReady(ctx, app.pg,
		cfg.Readiness.Timeout, cfg.Readiness.PollInterval); err != nil {
		printResult("error", err.Error())
		return fmt.Errorf("waiting for postgres: %w", err)
	}

	result, err := runMigrationGate(ctx)
	if err != nil {
		printResult("error", err.Error())
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	printMigrationResult(result)
	slog.Info("bootstrap completed successfully",
		"generation", result.Generation,
		"applied", len(result.Applied),
		"skipped", result.Skipped,
	)
	return nil
}

// runMigrationGate runs the gate against the shared Postgres pool. Used by
// both the bootstrap command and serve's migrate-on-start path.
func runMigrationGate(ctx context.Context) (*migrate.Result, error) {
	pool, err := app.pg.Pool(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	gate := migrate.New(migrate.NewPGStore(pool), migrate.DefaultSteps(), cfg.Migrate.LockTimeout)
	return gate.Run(ctx)
}

func printMigrationResult(result *migrate.Result) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stdout, `{"generation":%q}`+"\n", result.Generation)
	}
}

func printResult(status, errMsg string) {
	result := map[string]string{"status": status}
	if errMsg != "" {
		result["error"] = errMsg
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		// Fallback to plain text if JSON encoding somehow fails.
		fmt.Fprintf(os.Stdout, `{"status":%q}`+"\n", status)
	}
}

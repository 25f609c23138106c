package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bahnwaerter/bumblebee/internal/readiness"
	"github.com/bahnwaerter/bumblebee/internal/topology"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the application server",
	Long: `Start the HTTP application server on the configured port (default :8000).

The server refuses to report ready until Postgres and Redis have passed
their readiness probes. With migrate.on_start set, it additionally runs
the migration gate before listening. It shuts down cleanly on SIGTERM or
SIGINT.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer app.Shutdown()

	topo, err := loadTopology()
	if err != nil {
		return err
	}
	deps, err := topo.Deps("web")
	if err != nil {
		return fmt.Errorf("resolving web dependencies: %w", err)
	}

	// The dependency closure decides which probes gate startup; services
	// without a probe (like the one-shot migration gate) signal by exiting.
	var probes []readiness.Prober
	for _, dep := range deps {
		spec, _ := topo.Lookup(dep)
		if spec.Probe == "" {
			continue
		}
		p, ok := app.orchestrator.Prober(spec.Probe)
		if !ok {
			return fmt.Errorf("service %q: unknown probe %q", dep, spec.Probe)
		}
		probes = append(probes, p)
	}
	slog.Info("gating on dependencies", "service", "web", "deps", deps, "probes", len(probes))

	if err := app.orchestrator.WaitForDependencies(ctx,
		cfg.Readiness.Timeout, cfg.Readiness.PollInterval, probes...); err != nil {
		return fmt.Errorf("waiting for dependencies: %w", err)
	}

	if cfg.Migrate.OnStart {
		result, err := runMigrationGate(ctx)
		if err != nil {
			return fmt.Errorf("migrate on start: %w", err)
		}
		slog.Info("migration gate passed",
			"generation", result.Generation,
			"applied", len(result.Applied),
			"skipped", result.Skipped,
		)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start the server in a goroutine so we can listen for shutdown signals.
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("conductor server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped cleanly")
	return nil
}

// loadTopology reads the service graph from the configured path, falling back
// to the built-in deployment graph.
func loadTopology() (*topology.Topology, error) {
	if cfg.Topology.Path == "" {
		return topology.Default(), nil
	}
	topo, err := topology.Load(cfg.Topology.Path)
	if err != nil {
		return nil, fmt.Errorf("loading topology: %w", err)
	}
	return topo, nil
}

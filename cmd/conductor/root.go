package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bahnwaerter/bumblebee/internal/config"
	"github.com/bahnwaerter/bumblebee/internal/telemetry"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config

	// app holds all wired dependencies; populated by PersistentPreRunE.
	app *AppContext
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Bumblebee deployment conductor",
	Long: `Conductor boots the bumblebee deployment. It waits for Postgres and
Redis to become ready, applies schema migrations behind an advisory lock,
and runs the application server, the recurring-job scheduler, and the
background worker pool.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Deployment env files are optional; a missing .env is not an error.
		_ = godotenv.Load()

		initLogger(logLevel)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		// --log-level flag takes precedence over the config file; the
		// deployment's DEBUG toggle forces debug logging either way.
		switch {
		case cfg.Debug:
			initLogger("debug")
		case cmd.Flags().Changed("log-level"):
			cfg.Telemetry.LogLevel = logLevel
		case cfg.Telemetry.LogLevel != "":
			initLogger(cfg.Telemetry.LogLevel)
		}

		app, err = buildAppContext(cfg)
		if err != nil {
			return fmt.Errorf("building app context: %w", err)
		}

		return nil
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(planCmd)
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(telemetry.NewTraceHandler(handler)))
}

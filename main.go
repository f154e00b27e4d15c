package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"recordexport/internal/app"
	"recordexport/internal/config"
	"recordexport/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "recordexport",
	Short: "Export stored records as files and zip archives",
	Long: `recordexport serves downloads of stored objects, per-record archives,
normalized document fields and manifest-driven batch archives.

Without a subcommand it starts the HTTP server. The archive, batch and fields
subcommands run the same exports once and write the result to disk.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Initialize structured logger
		handler := logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))
		slog.SetDefault(slog.New(handler))
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP export server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, slog.Default())
}

// run bootstraps dependencies and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		return err
	}
	defer deps.Close(context.WithoutCancel(ctx))

	a, err := app.New(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("app init: %w", err)
	}
	return a.Run(ctx)
}

// withApp runs fn against a fully wired app for one-shot commands.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close(context.WithoutCancel(ctx))

	a, err := app.New(cfg, deps, slog.Default())
	if err != nil {
		return fmt.Errorf("app init: %w", err)
	}
	return fn(ctx, a)
}

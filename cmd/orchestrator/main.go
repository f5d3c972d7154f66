// Package main provides the orchestrator CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/registration"
	"github.com/tjfontaine/polyglot-orchestrator/internal/runtime"
	"github.com/tjfontaine/polyglot-orchestrator/internal/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Multi-provider AI request orchestration",
		Long: `Send chat requests to any configured model through one pipeline.

Each request may be augmented with retrieved context, run local tools in a
bounded loop, and is accounted in a persistent usage ledger.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(toolsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, starts an App and runs fn with it. Pending
// usage is flushed before returning.
func withApp(ctx context.Context, fn func(ctx context.Context, app *runtime.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closer := telemetry.NewLogger(cfg.Logging)
	defer closer.Close()
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry, traceWriter(cfg), logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	registration.RegisterProviderBuiltins()

	app, err := runtime.New(runtime.WithConfig(cfg), runtime.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	return fn(ctx, app)
}

// traceWriter keeps span output away from stdout, which carries replies.
func traceWriter(cfg *config.Config) io.Writer {
	if cfg.Logging.File != "" {
		return io.Discard
	}
	return os.Stderr
}

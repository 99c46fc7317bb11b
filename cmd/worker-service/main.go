package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/backbeatmedia/nexrender/internal/config"
	"github.com/backbeatmedia/nexrender/internal/render"
	"github.com/backbeatmedia/nexrender/internal/shutdown"
	"github.com/backbeatmedia/nexrender/internal/source"
	"github.com/backbeatmedia/nexrender/internal/status"
	"github.com/backbeatmedia/nexrender/internal/worker"
	"github.com/backbeatmedia/nexrender/shared/logger"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

type runResult struct {
	exit worker.Exit
	err  error
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	settings := worker.NormalizeSettings(cfg.Worker)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker", settings.Name),
		slog.String("source", cfg.Source.Type),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobSource, err := source.New(ctx, cfg.Source, source.Deps{
		Logger:   appLogger.Logger,
		Executor: settings.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize job source: %w", err)
	}

	renderer := render.NewCommandRenderer(render.CommandConfig{
		Command: cfg.Render.Command,
		Args:    cfg.Render.Args,
		WorkDir: cfg.Render.WorkDir,
		Env:     cfg.Render.Env,
	}, appLogger.With(slog.String("component", "render")).Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:   appLogger.Logger,
		Source:   jobSource,
		Renderer: renderer,
		Settings: settings,
	})

	var statusServer *status.Server
	if cfg.Status.Enabled {
		statusServer = status.NewServer(cfg.Status.Port, status.SetupRouter(&status.Dependencies{
			Logger:  appLogger.Logger,
			Service: cfg.App.Name,
			Stats:   workerInstance,
			Health:  jobSource.HealthCheck,
		}), appLogger.Logger)

		go func() {
			if err := statusServer.Start(); err != nil {
				appLogger.Error("Status server error",
					slog.Any("error", err),
				)
			}
		}()
	}

	// Run worker in a goroutine
	done := make(chan runResult, 1)
	go func() {
		exit, err := workerInstance.Run(ctx)
		done <- runResult{exit: exit, err: err}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal or for the worker to stop on its own
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var result runResult
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		cancel()

		// An in-flight job runs to its terminal report before Run returns
		select {
		case result = <-done:
			appLogger.Info("Worker stopped gracefully")
		case <-time.After(cfg.Worker.ShutdownTimeout):
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
			result = runResult{exit: worker.ExitCanceled}
		}

	case result = <-done:
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if statusServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := statusServer.Shutdown(shutdownCtx); err != nil {
				appLogger.Warn("Status server shutdown failed",
					slog.Any("error", err),
				)
			}
		}
		if err := jobSource.Close(); err != nil {
			appLogger.Warn("Failed to close job source",
				slog.Any("error", err),
			)
		}
	}
	cleanup()

	if result.err != nil {
		return fmt.Errorf("worker failed: %w", result.err)
	}

	if result.exit == worker.ExitDeactivated && settings.ShutdownOnExit {
		appLogger.Info("Queue drained, shutting down host")
		if err := shutdown.Trigger(appLogger.Logger); err != nil {
			return err
		}
	}

	appLogger.Info("Worker service shutdown complete",
		slog.String("exit", string(result.exit)),
	)
	return nil
}

// loadConfig layers file, environment, and command line into a validated configuration
func loadConfig(opts *cliOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ApplyEnvDefaults(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	cfg.ApplyOverrides(opts.overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

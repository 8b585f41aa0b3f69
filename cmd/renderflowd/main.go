// Package main implements the entry point for the RenderFlow daemon.
// RenderFlow is a diagram render orchestration service that queues
// render jobs, caches artifacts by content fingerprint and delivers
// signed completion webhooks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/c360/renderflow/config"
	"github.com/c360/renderflow/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "renderflowd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// A local .env is optional and never an error
	_ = godotenv.Load()

	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	// CLI log level wins over the config file
	if cliCfg.LogLevel == "" {
		cliCfg.LogLevel = cfg.Service.LogLevel
		logger = setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
		slog.SetDefault(logger)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	app := service.NewApp(cfg, logger)

	ctx := context.Background()
	if err := app.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	return runWithSignalHandling(ctx, app, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting RenderFlow",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// runWithSignalHandling starts the application and blocks until a
// shutdown signal arrives
func runWithSignalHandling(ctx context.Context, app *service.App, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	slog.Info("RenderFlow started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := app.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("RenderFlow shutdown complete")
	return nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}

// loadConfig loads configuration from the given path, or defaults with
// environment overrides when the path is empty
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader(path, "").Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

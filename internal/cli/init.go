// Package cli holds the start-up steps shared by every command: environment
// loading, configuration, logging, store opening and signal handling.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"ledgerd/internal/backend"
	"ledgerd/internal/config"
	"ledgerd/internal/log"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig() *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.New(log.DefaultConfig()).Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// SetupLogger builds the process logger from cfg, tags it with component
// and installs it as the slog default.
func SetupLogger(cfg *config.Config, component string) *log.Logger {
	level, _ := log.ParseLevel(cfg.LogLevel)
	logger := log.New(log.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		Component: component,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)
	return logger
}

// OpenStore opens the configured ledger store.
// Returns the store or exits the process on failure.
func OpenStore(ctx context.Context, logger *log.Logger, cfg *config.Config) *backend.BackendResult {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger.WithComponent(log.ComponentStorage).Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to open ledger store", "error", err, "backend", cfg.StorageBackend)
		os.Exit(1)
	}
	return res
}

// CloseStore runs the store cleanup, logging any failure.
func CloseStore(logger *log.Logger, res *backend.BackendResult) {
	if res == nil || res.Cleanup == nil {
		return
	}
	if err := res.Cleanup(); err != nil {
		logger.Error("Failed to close ledger store", "error", err)
	}
}

// WaitForShutdown blocks until SIGINT/SIGTERM arrives or ctx is cancelled.
func WaitForShutdown(ctx context.Context, logger *log.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}
}

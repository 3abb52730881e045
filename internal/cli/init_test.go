package cli

import (
	"context"
	"errors"
	"testing"

	"ledgerd/internal/backend"
	"ledgerd/internal/config"
	"ledgerd/internal/log"
)

func TestSetupLoggerUsesComponent(t *testing.T) {
	logger := SetupLogger(&config.Config{LogLevel: "debug", LogFormat: "json"}, log.ComponentWorker)
	if logger.Component() != log.ComponentWorker {
		t.Errorf("Component() = %q, want %q", logger.Component(), log.ComponentWorker)
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := &config.Config{StorageBackend: config.BackendMemory, StoreMaxAttempts: 2}
	logger := SetupLogger(cfg, log.ComponentApp)
	res := OpenStore(context.Background(), logger, cfg)
	if err := res.Store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	CloseStore(logger, res)
	CloseStore(logger, nil)
	CloseStore(logger, &backend.BackendResult{Cleanup: func() error { return errors.New("boom") }})
}

func TestWaitForShutdownReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	WaitForShutdown(ctx, log.New(log.DefaultConfig()))
}

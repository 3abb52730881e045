package backend

import (
	"context"
	"fmt"
	"log/slog"

	"ledgerd/internal/storage/memory"
	"ledgerd/internal/storage/postgres"
	"ledgerd/internal/storage/sqlite"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteBackend(ctx, config)
	case PostgresBackend:
		return f.createPostgresBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	store, err := sqlite.Open(ctx, config.SQLiteDBPath, sqlite.WithRetryPolicy(config.RetryPolicy()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	return &BackendResult{Store: store, Cleanup: store.Close}, nil
}

func (f *DefaultFactory) createPostgresBackend(ctx context.Context, config Config) (*BackendResult, error) {
	store, err := postgres.Open(ctx, config.PostgresDSN, postgres.WithRetryPolicy(config.RetryPolicy()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
	}

	f.logger.Info("Initialized Postgres backend")
	return &BackendResult{Store: store, Cleanup: store.Close}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*BackendResult, error) {
	store := memory.New(memory.WithRetryPolicy(config.RetryPolicy()))

	f.logger.Warn("Initialized memory backend; ledger state is lost on exit")
	return &BackendResult{Store: store, Cleanup: store.Close}, nil
}

// Open is shorthand for NewFactory(nil).CreateBackend.
func Open(ctx context.Context, config Config) (*BackendResult, error) {
	return NewFactory(nil).CreateBackend(ctx, config)
}

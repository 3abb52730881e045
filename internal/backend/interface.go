package backend

import (
	"context"
	"time"

	"ledgerd/internal/storage"
)

// CleanupFunc releases resources held by a backend.
type CleanupFunc func() error

// BackendResult contains the opened store and its cleanup function.
type BackendResult struct {
	Store   storage.Store
	Cleanup CleanupFunc
}

// Factory opens stores based on configuration.
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for store creation.
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Postgres specific
	PostgresDSN string

	// Conflict retry policy shared by every backend
	OpTimeout    time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// RetryPolicy converts the retry settings.
func (c Config) RetryPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		OpTimeout:   c.OpTimeout,
		Backoff:     c.RetryBackoff,
	}
}

// BackendType names a storage engine.
type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}

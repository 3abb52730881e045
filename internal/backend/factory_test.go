package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ledgerd/internal/config"
)

func TestFromAppConfig(t *testing.T) {
	cfg := &config.Config{
		StorageBackend:    "sqlite",
		SQLiteDBPath:      "/tmp/ledger.db",
		StoreOpTimeout:    2 * time.Second,
		StoreMaxAttempts:  3,
		StoreRetryBackoff: time.Millisecond,
	}
	got, err := FromAppConfig(cfg)
	if err != nil {
		t.Fatalf("FromAppConfig() error = %v", err)
	}
	if got.Type != SQLiteBackend || got.SQLiteDBPath != "/tmp/ledger.db" {
		t.Errorf("FromAppConfig() = %+v", got)
	}
	p := got.RetryPolicy()
	if p.MaxAttempts != 3 || p.OpTimeout != 2*time.Second || p.Backoff != time.Millisecond {
		t.Errorf("RetryPolicy() = %+v", p)
	}

	if _, err := FromAppConfig(&config.Config{StorageBackend: "sheets"}); err == nil {
		t.Error("FromAppConfig() accepted an unknown backend")
	}
	if _, err := FromAppConfig(nil); err == nil {
		t.Error("FromAppConfig(nil) returned no error")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"postgres without dsn", Config{Type: PostgresBackend}, true},
		{"postgres", Config{Type: PostgresBackend, PostgresDSN: "postgres://localhost/ledger"}, false},
		{"unknown", Config{Type: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateBackend(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []Config{
		{Type: MemoryBackend},
		{Type: SQLiteBackend, SQLiteDBPath: filepath.Join(t.TempDir(), "nested", "ledger.db")},
	} {
		t.Run(cfg.Type.String(), func(t *testing.T) {
			res, err := Open(ctx, cfg)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer res.Cleanup()
			if err := res.Store.Ping(ctx); err != nil {
				t.Errorf("Ping() error = %v", err)
			}
		})
	}
}

func TestGetBackendTypeStrings(t *testing.T) {
	got := GetBackendTypeStrings()
	if len(got) != 3 || got[0] != "memory" {
		t.Errorf("GetBackendTypeStrings() = %v", got)
	}
}

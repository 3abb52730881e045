package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ledgerd/internal/core"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, OpTimeout: time.Second, Backoff: 0}
}

func TestRetrySucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: summary changed", core.ErrConflict)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestRetryGivesUpWithConflictError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), "test", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: busy", core.ErrConflict)
	})
	if calls != 4 {
		t.Errorf("attempts = %d, want 4", calls)
	}

	var ce *core.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *core.ConflictError", err)
	}
	if ce.Attempts != 4 {
		t.Errorf("ConflictError.Attempts = %d, want 4", ce.Attempts)
	}
	if !errors.Is(err, core.ErrConflict) {
		t.Error("exhausted retry should still match core.ErrConflict")
	}
}

func TestRetryPassesDomainErrorsThrough(t *testing.T) {
	want := &core.NotFoundError{Entity: "account", ID: "a1"}
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), "test", func(ctx context.Context) error {
		calls++
		return want
	})
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
}

func TestRetryAttemptTimeoutIsUnavailable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, OpTimeout: 10 * time.Millisecond}
	err := Retry(context.Background(), p, "test", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var ue *core.StoreUnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *core.StoreUnavailableError", err)
	}
	if !errors.Is(err, core.ErrUnavailable) {
		t.Error("timeout should match core.ErrUnavailable")
	}
}

func TestRetryStopsWhenParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastPolicy(10), "test", func(ctx context.Context) error {
		calls++
		cancel()
		return fmt.Errorf("%w: busy", core.ErrConflict)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	d := DefaultRetryPolicy()
	if p.MaxAttempts != d.MaxAttempts || p.OpTimeout != d.OpTimeout {
		t.Errorf("withDefaults() = %+v, want attempts and timeout from %+v", p, d)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"ledgerd/internal/core"
)

// RetryPolicy bounds how an atomic unit is retried after a commit conflict.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first included (default: 8)
	MaxAttempts int

	// OpTimeout bounds each attempt (default: 5s)
	OpTimeout time.Duration

	// Backoff is the base delay between attempts, grown linearly with jitter (default: 5ms)
	Backoff time.Duration
}

// DefaultRetryPolicy returns sensible defaults for a contended summary record.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		OpTimeout:   5 * time.Second,
		Backoff:     5 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.OpTimeout <= 0 {
		p.OpTimeout = d.OpTimeout
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Retry runs attempt until it succeeds, fails with a non-conflict error, or
// the policy is exhausted. Backends signal a retryable collision by returning
// an error wrapping core.ErrConflict.
func Retry(ctx context.Context, p RetryPolicy, op string, attempt func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for i := 1; i <= p.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		actx, cancel := context.WithTimeout(ctx, p.OpTimeout)
		err := attempt(actx)
		cancel()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, core.ErrConflict):
			lastErr = err
			slog.DebugContext(ctx, "Atomic unit conflicted, retrying",
				"operation", op,
				"attempt", i,
				"error", err)
			if i < p.MaxAttempts {
				if werr := wait(ctx, p.backoff(i)); werr != nil {
					return werr
				}
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return &core.StoreUnavailableError{Op: op, Err: fmt.Errorf("attempt timed out after %v: %w", p.OpTimeout, err)}
		default:
			return err
		}
	}

	slog.WarnContext(ctx, "Atomic unit gave up after repeated conflicts",
		"operation", op,
		"attempts", p.MaxAttempts)
	return &core.ConflictError{Attempts: p.MaxAttempts, Err: lastErr}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.Backoff == 0 {
		return 0
	}
	base := p.Backoff * time.Duration(attempt)
	return base + rand.N(base)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

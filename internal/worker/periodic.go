package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

// PeriodicJob runs a JobFunc immediately on Start and then on every tick
// until stopped. Runs never overlap.
type PeriodicJob struct {
	name     string
	interval time.Duration
	run      JobFunc

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	runs    int
}

func NewPeriodicJob(name string, interval time.Duration, run JobFunc) *PeriodicJob {
	return &PeriodicJob{name: name, interval: interval, run: run}
}

// Start begins the loop. Returns an error if already running.
func (p *PeriodicJob) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("%s: interval must be positive", p.name)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("%s is already running", p.name)
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.runLoop(ctx, stopCh, doneCh)

	slog.InfoContext(ctx, "Periodic job started",
		"job", p.name,
		"interval", p.interval)
	return nil
}

// Stop signals the loop and waits for the current run to finish or ctx to
// expire.
func (p *PeriodicJob) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Periodic job stopped gracefully", "job", p.name)
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Periodic job stop timed out", "job", p.name)
		return ctx.Err()
	}
}

func (p *PeriodicJob) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Runs reports how many runs have completed.
func (p *PeriodicJob) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func (p *PeriodicJob) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run immediately on startup
	p.runOnce(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *PeriodicJob) runOnce(ctx context.Context) {
	start := time.Now()
	err := p.run(ctx)

	p.mu.Lock()
	p.runs++
	p.mu.Unlock()

	if err != nil {
		slog.ErrorContext(ctx, "Periodic job failed",
			"job", p.name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return
	}
	slog.DebugContext(ctx, "Periodic job completed",
		"job", p.name,
		"duration_ms", time.Since(start).Milliseconds())
}

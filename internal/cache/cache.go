// Package cache holds small in-process caches for read-mostly lookups, such
// as the per-owner category catalog.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

// Cleaner is implemented by caches whose entries expire.
type Cleaner interface {
	CleanExpired() int
}

// Manager sweeps expired entries out of registered caches on a timer.
type Manager struct {
	mu      sync.Mutex
	caches  map[string]Cleaner
	stop    chan struct{}
	done    chan struct{}
	started bool
	once    sync.Once
}

func NewManager() *Manager {
	return &Manager{
		caches: make(map[string]Cleaner),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Register adds a cache under name. Registering a name twice replaces the
// earlier cache.
func (m *Manager) Register(name string, cache Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches[name] = cache
}

// StartCleanup begins periodic cleanup of all registered caches. Only the
// first call starts a sweeper.
func (m *Manager) StartCleanup(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.cleanup(interval)
}

func (m *Manager) cleanup(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Sweep cleans every registered cache once and returns how many entries
// were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	caches := make(map[string]Cleaner, len(m.caches))
	for name, c := range m.caches {
		caches[name] = c
	}
	m.mu.Unlock()

	total := 0
	for name, c := range caches {
		n := c.CleanExpired()
		if n > 0 {
			slog.Debug("Expired cache entries removed", "cache", name, "removed", n)
		}
		total += n
	}
	return total
}

// Stop ends the sweeper and waits for it. It is safe to call more than once
// and without StartCleanup.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stop)
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			<-m.done
		}
	})
}

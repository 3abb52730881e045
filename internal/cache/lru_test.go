package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(maxSize int, ttl time.Duration) (*LRUCache[string], *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache[string](maxSize, ttl)
	c.SetClock(clock.Now)
	return c, clock
}

func TestLRUCache_GetSet(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)

	if _, ok := c.Get("a"); ok {
		t.Fatal("Get() on empty cache found a value")
	}
	c.Set("a", "1")
	c.Set("a", "2")
	if v, ok := c.Get("a"); !ok || v != "2" {
		t.Errorf("Get(a) = %q, %v, want 2, true", v, ok)
	}
	if c.Size() != 1 {
		t.Errorf("Size() = %d, want 1", c.Size())
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Get("a")
	c.Set("c", "3")

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")

	clock.Advance(30 * time.Second)
	c.Set("b", "3")
	clock.Advance(45 * time.Second)

	if _, ok := c.Get("a"); ok {
		t.Error("a should have expired")
	}
	if n := c.CleanExpired(); n != 0 {
		t.Errorf("CleanExpired() = %d, want 0 since b was refreshed", n)
	}
	clock.Advance(time.Minute)
	if n := c.CleanExpired(); n != 1 {
		t.Errorf("CleanExpired() = %d, want 1", n)
	}
	if c.Size() != 0 {
		t.Errorf("Size() = %d, want 0", c.Size())
	}
}

func TestLRUCache_Delete(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Set("a", "1")
	c.Delete("a")
	c.Delete("missing")
	if _, ok := c.Get("a"); ok {
		t.Error("a still cached after Delete")
	}
}

func TestManager_Sweep(t *testing.T) {
	c, clock := newTestCache(10, time.Second)
	c.Set("a", "1")
	c.Set("b", "2")

	m := NewManager()
	m.Register("test", c)
	if n := m.Sweep(); n != 0 {
		t.Errorf("Sweep() = %d, want 0", n)
	}
	clock.Advance(2 * time.Second)
	if n := m.Sweep(); n != 2 {
		t.Errorf("Sweep() = %d, want 2", n)
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m := NewManager()
	m.Stop()
	m.Stop()

	started := NewManager()
	started.StartCleanup(time.Millisecond)
	started.StartCleanup(time.Millisecond)
	started.Stop()
	started.Stop()
}

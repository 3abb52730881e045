package storage

import "sync"

// Change is emitted after a unit touching collection for OwnerID committed.
type Change struct {
	Collection Collection
	OwnerID    string
}

type subscription struct {
	collection Collection
	owner      string
	fn         func(Change)
}

// Hub fans committed changes out to subscribers. Backends publish into it
// after commit; readers never see a notification for uncommitted state.
type Hub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]subscription)}
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (h *Hub) Subscribe(collection Collection, owner string, fn func(Change)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = subscription{collection: collection, owner: owner, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers each change to matching subscribers.
func (h *Hub) Publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	h.mu.RLock()
	var targets []func(Change)
	var events []Change
	for _, c := range changes {
		for _, s := range h.subs {
			if s.collection == c.Collection && s.owner == c.OwnerID {
				targets = append(targets, s.fn)
				events = append(events, c)
			}
		}
	}
	h.mu.RUnlock()

	for i, fn := range targets {
		fn(events[i])
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ChangeSet collects the collections touched by one atomic unit.
type ChangeSet struct {
	owner   string
	touched map[Collection]struct{}
}

func NewChangeSet(owner string) *ChangeSet {
	return &ChangeSet{owner: owner, touched: make(map[Collection]struct{})}
}

func (c *ChangeSet) Mark(collection Collection) {
	c.touched[collection] = struct{}{}
}

// Changes returns the touched collections in stable order.
func (c *ChangeSet) Changes() []Change {
	out := make([]Change, 0, len(c.touched))
	for _, coll := range Collections {
		if _, ok := c.touched[coll]; ok {
			out = append(out, Change{Collection: coll, OwnerID: c.owner})
		}
	}
	return out
}

package storage

import "testing"

func TestHubDeliversMatchingChanges(t *testing.T) {
	h := NewHub()

	var got []Change
	unsubscribe := h.Subscribe(CollectionAccounts, "alice", func(c Change) {
		got = append(got, c)
	})

	h.Publish(
		Change{Collection: CollectionAccounts, OwnerID: "alice"},
		Change{Collection: CollectionAccounts, OwnerID: "bob"},
		Change{Collection: CollectionSummaries, OwnerID: "alice"},
	)

	if len(got) != 1 {
		t.Fatalf("delivered %d changes, want 1: %+v", len(got), got)
	}
	if got[0].OwnerID != "alice" || got[0].Collection != CollectionAccounts {
		t.Errorf("delivered %+v", got[0])
	}

	unsubscribe()
	unsubscribe()
	h.Publish(Change{Collection: CollectionAccounts, OwnerID: "alice"})
	if len(got) != 1 {
		t.Errorf("delivered after unsubscribe: %+v", got)
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
}

func TestHubSubscriberMayUnsubscribeDuringDelivery(t *testing.T) {
	h := NewHub()
	calls := 0
	var unsubscribe func()
	unsubscribe = h.Subscribe(CollectionBudgets, "alice", func(Change) {
		calls++
		unsubscribe()
	})

	h.Publish(Change{Collection: CollectionBudgets, OwnerID: "alice"})
	h.Publish(Change{Collection: CollectionBudgets, OwnerID: "alice"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestChangeSetIsStableAndDeduplicated(t *testing.T) {
	cs := NewChangeSet("alice")
	cs.Mark(CollectionSummaries)
	cs.Mark(CollectionAccounts)
	cs.Mark(CollectionSummaries)
	cs.Mark(CollectionTransactions)

	got := cs.Changes()
	want := []Collection{CollectionAccounts, CollectionTransactions, CollectionSummaries}
	if len(got) != len(want) {
		t.Fatalf("Changes() = %+v, want %v", got, want)
	}
	for i, c := range got {
		if c.Collection != want[i] || c.OwnerID != "alice" {
			t.Errorf("Changes()[%d] = %+v, want %s for alice", i, c, want[i])
		}
	}
}

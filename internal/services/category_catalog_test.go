package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ledgerd/internal/core"
	"ledgerd/internal/storage/memory"
)

// countingStore counts category list reads.
type countingStore struct {
	*memory.Store
	lists atomic.Int32
}

func (s *countingStore) ListCategories(ctx context.Context, owner string) ([]core.Category, error) {
	s.lists.Add(1)
	return s.Store.ListCategories(ctx, owner)
}

func TestCategoryCatalog_List(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.New()}
	catalog := NewCategoryCatalog(store, 10, time.Minute)

	list, err := catalog.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != len(SystemCategories()) {
		t.Fatalf("List() = %d categories, want %d system ones", len(list), len(SystemCategories()))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Errorf("List() not sorted by name at %d: %s > %s", i, list[i-1].Name, list[i].Name)
		}
	}

	if _, err := catalog.List(ctx, "alice"); err != nil {
		t.Fatalf("cached List() error = %v", err)
	}
	if n := store.lists.Load(); n != 1 {
		t.Errorf("store read %d times, want 1", n)
	}

	created, err := catalog.Create(ctx, "alice", CategoryInput{Name: "Pets", Type: core.TypeExpense, Icon: "pets"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	list, err = catalog.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List() after Create error = %v", err)
	}
	if last := list[len(list)-1]; last.ID != created.ID || last.OwnerID != "alice" {
		t.Errorf("last category = %+v, want the created one", last)
	}
	if n := store.lists.Load(); n != 2 {
		t.Errorf("store read %d times, want 2 after invalidation", n)
	}

	other, err := catalog.List(ctx, "bob")
	if err != nil {
		t.Fatalf("List(bob) error = %v", err)
	}
	if len(other) != len(SystemCategories()) {
		t.Errorf("bob sees %d categories, want only system ones", len(other))
	}
}

func TestCategoryCatalog_CreateRejects(t *testing.T) {
	ctx := context.Background()
	catalog := NewCategoryCatalog(memory.New(), 10, time.Minute)

	tests := []struct {
		name string
		in   CategoryInput
	}{
		{"duplicate of system name", CategoryInput{Name: "food", Type: core.TypeExpense}},
		{"blank name", CategoryInput{Name: " ", Type: core.TypeExpense}},
		{"transfer type", CategoryInput{Name: "Moves", Type: core.TypeTransfer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := catalog.Create(ctx, "alice", tt.in); !errors.Is(err, core.ErrInvalid) {
				t.Errorf("Create() error = %v, want validation error", err)
			}
		})
	}

	if _, err := catalog.Create(ctx, "alice", CategoryInput{Name: "Food", Type: core.TypeIncome}); err != nil {
		t.Errorf("Create() of same name with other type error = %v", err)
	}
}

func TestCategoryCatalog_Get(t *testing.T) {
	catalog := NewCategoryCatalog(memory.New(), 10, time.Minute)
	cat, ok, err := catalog.Get(context.Background(), "alice", "salary")
	if err != nil || !ok {
		t.Fatalf("Get(salary) = %v, %v", ok, err)
	}
	if cat.Type != core.TypeIncome {
		t.Errorf("salary type = %s, want income", cat.Type)
	}
	if _, ok, _ := catalog.Get(context.Background(), "alice", "nope"); ok {
		t.Error("Get(nope) found a category")
	}
}

func TestCategoryCatalog_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.New()}
	catalog := NewCategoryCatalog(store, 10, time.Minute)

	pets, err := catalog.Create(ctx, "alice", CategoryInput{Name: "Pets", Type: core.TypeExpense})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := catalog.Create(ctx, "alice", CategoryInput{Name: "Garden", Type: core.TypeExpense}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := catalog.List(ctx, "alice"); err != nil {
		t.Fatalf("List() error = %v", err)
	}

	updated, err := catalog.Update(ctx, "alice", pets.ID, CategoryInput{Name: " Animals ", Type: core.TypeExpense, Icon: "pets"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.ID != pets.ID || updated.Name != "Animals" {
		t.Errorf("Update() = %+v, want renamed %s", updated, pets.ID)
	}
	got, ok, err := catalog.Get(ctx, "alice", pets.ID)
	if err != nil || !ok || got.Name != "Animals" {
		t.Fatalf("Get() after Update = %+v, %v, %v; want cached view refreshed", got, ok, err)
	}

	rejects := []struct {
		name string
		id   string
		in   CategoryInput
		want error
	}{
		{"system category", "food", CategoryInput{Name: "Meals", Type: core.TypeExpense}, core.ErrInvalid},
		{"name taken", pets.ID, CategoryInput{Name: "garden", Type: core.TypeExpense}, core.ErrInvalid},
		{"name of system category", pets.ID, CategoryInput{Name: "Travel", Type: core.TypeExpense}, core.ErrInvalid},
		{"unknown id", "missing", CategoryInput{Name: "Ghost", Type: core.TypeExpense}, core.ErrNotFound},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := catalog.Update(ctx, "alice", tt.id, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("Update() error = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := catalog.Update(ctx, "bob", pets.ID, CategoryInput{Name: "Mine", Type: core.TypeExpense}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Update() by another owner error = %v, want not found", err)
	}

	if err := catalog.Delete(ctx, "alice", pets.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := catalog.Get(ctx, "alice", pets.ID); ok {
		t.Error("Get() still finds the deleted category")
	}
	if err := catalog.Delete(ctx, "alice", pets.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want not found", err)
	}
	if err := catalog.Delete(ctx, "alice", "salary"); !errors.Is(err, core.ErrInvalid) {
		t.Errorf("Delete(salary) error = %v, want validation error", err)
	}
}

func TestCategoryCatalog_Subscribe(t *testing.T) {
	ctx := context.Background()
	catalog := NewCategoryCatalog(memory.New(), 10, time.Minute)

	updates := make(chan []core.Category, 16)
	stop := catalog.Subscribe(ctx, "alice", func(list []core.Category) {
		updates <- list
	})
	defer stop()

	waitForLen := func(want int) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case list := <-updates:
				if len(list) == want {
					return
				}
			case <-deadline:
				t.Fatalf("no update with %d categories", want)
			}
		}
	}

	system := len(SystemCategories())
	waitForLen(system)
	cat, err := catalog.Create(ctx, "alice", CategoryInput{Name: "Pets", Type: core.TypeExpense})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitForLen(system + 1)
	if err := catalog.Delete(ctx, "alice", cat.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	waitForLen(system)
}

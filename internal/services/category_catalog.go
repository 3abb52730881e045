package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"ledgerd/internal/cache"
	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// systemCategories ship with every ledger. Their ids are stable and never
// collide with user categories, which get uuids.
var systemCategories = []core.Category{
	{ID: "food", Name: "Food", Type: core.TypeExpense, Icon: "restaurant", Color: "#FF7043"},
	{ID: "transport", Name: "Transport", Type: core.TypeExpense, Icon: "directions_car", Color: "#42A5F5"},
	{ID: "housing", Name: "Housing", Type: core.TypeExpense, Icon: "home", Color: "#8D6E63"},
	{ID: "entertainment", Name: "Entertainment", Type: core.TypeExpense, Icon: "movie", Color: "#AB47BC"},
	{ID: "shopping", Name: "Shopping", Type: core.TypeExpense, Icon: "shopping_bag", Color: "#EC407A"},
	{ID: "bills", Name: "Bills", Type: core.TypeExpense, Icon: "receipt", Color: "#78909C"},
	{ID: "health", Name: "Health", Type: core.TypeExpense, Icon: "local_hospital", Color: "#EF5350"},
	{ID: "education", Name: "Education", Type: core.TypeExpense, Icon: "school", Color: "#5C6BC0"},
	{ID: "travel", Name: "Travel", Type: core.TypeExpense, Icon: "flight", Color: "#26A69A"},
	{ID: "other_expense", Name: "Other expense", Type: core.TypeExpense, Icon: "more_horiz", Color: "#BDBDBD"},
	{ID: "salary", Name: "Salary", Type: core.TypeIncome, Icon: "work", Color: "#66BB6A"},
	{ID: "investment", Name: "Investment", Type: core.TypeIncome, Icon: "trending_up", Color: "#9CCC65"},
	{ID: "gift", Name: "Gift", Type: core.TypeIncome, Icon: "card_giftcard", Color: "#FFCA28"},
	{ID: "refund", Name: "Refund", Type: core.TypeIncome, Icon: "undo", Color: "#29B6F6"},
	{ID: "other_income", Name: "Other income", Type: core.TypeIncome, Icon: "more_horiz", Color: "#A5D6A7"},
}

// SystemCategories returns a copy of the built-in categories.
func SystemCategories() []core.Category {
	return append([]core.Category(nil), systemCategories...)
}

// CategoryInput is what a caller may set on a user category.
type CategoryInput struct {
	Name  string               `json:"name"`
	Type  core.TransactionType `json:"type"`
	Icon  string               `json:"icon"`
	Color string               `json:"color"`
}

// CategoryCatalog merges system categories with the owner's own and caches the
// result per owner. Concurrent misses for one owner share a single store read.
type CategoryCatalog struct {
	store storage.Store
	cache *cache.LRUCache[[]core.Category]
	group singleflight.Group
	newID func() string
}

func NewCategoryCatalog(store storage.Store, maxOwners int, ttl time.Duration) *CategoryCatalog {
	return &CategoryCatalog{
		store: store,
		cache: cache.NewLRUCache[[]core.Category](maxOwners, ttl),
		newID: uuid.NewString,
	}
}

// Cache exposes the per-owner cache so a cache.Manager can sweep it.
func (c *CategoryCatalog) Cache() *cache.LRUCache[[]core.Category] {
	return c.cache
}

// List returns system categories followed by the owner's, both by name.
func (c *CategoryCatalog) List(ctx context.Context, owner string) ([]core.Category, error) {
	if cached, ok := c.cache.Get(owner); ok {
		return append([]core.Category(nil), cached...), nil
	}

	v, err, _ := c.group.Do(owner, func() (any, error) {
		own, err := c.store.ListCategories(ctx, owner)
		if err != nil {
			return nil, err
		}
		merged := SystemCategories()
		storage.SortCategories(merged)
		merged = append(merged, own...)
		c.cache.Set(owner, merged)
		return merged, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return append([]core.Category(nil), v.([]core.Category)...), nil
}

// Known returns the owner's categories keyed by id.
func (c *CategoryCatalog) Known(ctx context.Context, owner string) (map[string]core.Category, error) {
	list, err := c.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.Category, len(list))
	for _, cat := range list {
		out[cat.ID] = cat
	}
	return out, nil
}

// Get looks up one category visible to owner.
func (c *CategoryCatalog) Get(ctx context.Context, owner, id string) (core.Category, bool, error) {
	known, err := c.Known(ctx, owner)
	if err != nil {
		return core.Category{}, false, err
	}
	cat, ok := known[id]
	return cat, ok, nil
}

// Create stores a user category. Names must not repeat, ignoring case, among
// the categories the owner can already see for the same type.
func (c *CategoryCatalog) Create(ctx context.Context, owner string, in CategoryInput) (core.Category, error) {
	cat := categoryFromInput(c.newID(), owner, in)
	if err := cat.Validate(); err != nil {
		return core.Category{}, err
	}

	existing, err := c.List(ctx, owner)
	if err != nil {
		return core.Category{}, err
	}
	if err := checkUniqueName(existing, cat); err != nil {
		return core.Category{}, err
	}

	err = c.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutCategory(ctx, cat)
	})
	if err != nil {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}
	c.Invalidate(owner)

	slog.InfoContext(ctx, "Category created",
		"owner_id", owner,
		"category_id", cat.ID,
		"name", cat.Name)
	return cat, nil
}

// Update replaces the fields of one of the owner's categories. System
// categories are read-only.
func (c *CategoryCatalog) Update(ctx context.Context, owner, id string, in CategoryInput) (core.Category, error) {
	if err := rejectSystem(id); err != nil {
		return core.Category{}, err
	}
	cat := categoryFromInput(id, owner, in)
	if err := cat.Validate(); err != nil {
		return core.Category{}, err
	}

	own, err := c.store.ListCategories(ctx, owner)
	if err != nil {
		return core.Category{}, fmt.Errorf("update category: %w", err)
	}
	if !slices.ContainsFunc(own, func(o core.Category) bool { return o.ID == id }) {
		return core.Category{}, &core.NotFoundError{Entity: "category", ID: id}
	}
	visible := append(SystemCategories(), own...)
	if err := checkUniqueName(visible, cat); err != nil {
		return core.Category{}, err
	}

	err = c.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutCategory(ctx, cat)
	})
	c.Invalidate(owner)
	if err != nil {
		return core.Category{}, fmt.Errorf("update category: %w", err)
	}

	slog.InfoContext(ctx, "Category updated",
		"owner_id", owner,
		"category_id", id,
		"name", cat.Name)
	return cat, nil
}

// Delete removes one of the owner's categories. Transactions and budgets that
// name it keep the id.
func (c *CategoryCatalog) Delete(ctx context.Context, owner, id string) error {
	if err := rejectSystem(id); err != nil {
		return err
	}
	err := c.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.DeleteCategory(ctx, id)
	})
	c.Invalidate(owner)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}

	slog.InfoContext(ctx, "Category deleted", "owner_id", owner, "category_id", id)
	return nil
}

// Subscribe calls cb with the owner's merged catalog now and after every
// committed change to the owner's categories, from this process or another.
func (c *CategoryCatalog) Subscribe(ctx context.Context, owner string, cb func([]core.Category)) func() {
	return watch(ctx, c.store, storage.CollectionCategories, owner, func(ctx context.Context) ([]core.Category, error) {
		c.Invalidate(owner)
		return c.List(ctx, owner)
	}, cb)
}

func categoryFromInput(id, owner string, in CategoryInput) core.Category {
	return core.Category{
		ID:      id,
		OwnerID: owner,
		Name:    strings.TrimSpace(in.Name),
		Type:    in.Type,
		Icon:    strings.TrimSpace(in.Icon),
		Color:   strings.TrimSpace(in.Color),
	}
}

func checkUniqueName(existing []core.Category, cat core.Category) error {
	for _, other := range existing {
		if other.ID != cat.ID && other.Type == cat.Type && strings.EqualFold(other.Name, cat.Name) {
			verr := &core.ValidationError{}
			verr.Add("name", fmt.Sprintf("category %q already exists", other.Name))
			return verr
		}
	}
	return nil
}

func rejectSystem(id string) error {
	if slices.ContainsFunc(systemCategories, func(c core.Category) bool { return c.ID == id }) {
		verr := &core.ValidationError{}
		verr.Add("id", "system categories cannot be changed")
		return verr
	}
	return nil
}

// Invalidate drops the cached view of owner's catalog.
func (c *CategoryCatalog) Invalidate(owner string) {
	c.cache.Delete(owner)
	c.group.Forget(owner)
}

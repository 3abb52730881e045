package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// BudgetInput is the writable part of a budget.
type BudgetInput struct {
	Name        string               `json:"name"`
	Amount      string               `json:"amount"`
	StartDate   time.Time            `json:"start_date"`
	EndDate     time.Time            `json:"end_date"`
	Frequency   core.BudgetFrequency `json:"frequency"`
	CategoryIDs []string             `json:"category_ids"`
	IsActive    *bool                `json:"is_active,omitempty"`
}

// BudgetService stores budgets. Spending against them is computed by
// BudgetEvaluator.
type BudgetService struct {
	store   storage.Store
	catalog *CategoryCatalog
	now     func() time.Time
	newID   func() string
}

// NewBudgetService builds the service. With a nil catalog category ids are not
// checked.
func NewBudgetService(store storage.Store, catalog *CategoryCatalog) *BudgetService {
	return &BudgetService{
		store:   store,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

func (s *BudgetService) Create(ctx context.Context, owner string, in BudgetInput) (core.Budget, error) {
	now := s.now()
	b, err := s.build(ctx, owner, in, core.Budget{ID: s.newID(), CreatedAt: now, IsActive: true})
	if err != nil {
		return core.Budget{}, err
	}
	b.LastUpdated = now

	err = s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutBudget(ctx, b)
	})
	if err != nil {
		return core.Budget{}, fmt.Errorf("create budget: %w", err)
	}

	slog.InfoContext(ctx, "Budget created",
		"owner_id", owner,
		"budget_id", b.ID,
		"amount", b.Amount.StringFixed(2),
		"frequency", b.Frequency)
	return b, nil
}

// Update replaces the writable fields of an existing budget.
func (s *BudgetService) Update(ctx context.Context, owner, id string, in BudgetInput) (core.Budget, error) {
	var updated core.Budget
	err := s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		current, ok, err := tx.GetBudget(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &core.NotFoundError{Entity: "budget", ID: id}
		}
		b, err := s.build(ctx, owner, in, current)
		if err != nil {
			return err
		}
		b.LastUpdated = s.now()
		if err := tx.PutBudget(ctx, b); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return core.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	return updated, nil
}

func (s *BudgetService) Delete(ctx context.Context, owner, id string) error {
	err := s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if _, ok, err := tx.GetBudget(ctx, id); err != nil {
			return err
		} else if !ok {
			return &core.NotFoundError{Entity: "budget", ID: id}
		}
		return tx.DeleteBudget(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	slog.InfoContext(ctx, "Budget deleted", "owner_id", owner, "budget_id", id)
	return nil
}

// build merges in over base and validates the result. Dates are kept as
// calendar days.
func (s *BudgetService) build(ctx context.Context, owner string, in BudgetInput, base core.Budget) (core.Budget, error) {
	verr := &core.ValidationError{}
	amount, err := core.ParseAmount(in.Amount)
	if err != nil {
		verr.Add("amount", err.Error())
	}

	b := base
	b.OwnerID = strings.TrimSpace(owner)
	b.Name = strings.TrimSpace(in.Name)
	b.Amount = amount
	b.Frequency = in.Frequency
	b.CategoryIDs = dedupe(in.CategoryIDs)
	if in.IsActive != nil {
		b.IsActive = *in.IsActive
	}
	b.StartDate, b.EndDate = time.Time{}, time.Time{}
	if !in.StartDate.IsZero() {
		b.StartDate = core.DayOf(in.StartDate)
	}
	if !in.EndDate.IsZero() {
		b.EndDate = core.DayOf(in.EndDate)
	}

	if err := b.Validate(); err != nil {
		if ve, ok := err.(*core.ValidationError); ok {
			for _, f := range ve.Fields {
				if !verr.Has(f.Field) {
					verr.Fields = append(verr.Fields, f)
				}
			}
		}
	}
	if len(verr.Fields) == 0 {
		s.checkCategories(ctx, owner, b.CategoryIDs, verr)
	}
	if err := verr.OrNil(); err != nil {
		return core.Budget{}, err
	}
	return b, nil
}

// checkCategories flags ids that are not expense categories of owner. The
// check is skipped when the catalog cannot be read.
func (s *BudgetService) checkCategories(ctx context.Context, owner string, ids []string, verr *core.ValidationError) {
	if s.catalog == nil || len(ids) == 0 {
		return
	}
	known, err := s.catalog.Known(ctx, owner)
	if err != nil {
		slog.WarnContext(ctx, "Category catalog unavailable, skipping budget category check",
			"owner_id", owner,
			"error", err)
		return
	}
	for _, id := range ids {
		cat, ok := known[id]
		if !ok {
			verr.Add("category_ids", fmt.Sprintf("unknown category %q", id))
			return
		}
		if cat.Type != core.TypeExpense {
			verr.Add("category_ids", fmt.Sprintf("category %q is not an expense category", id))
			return
		}
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

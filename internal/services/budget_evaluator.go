package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// BudgetWindow returns the inclusive instant range covered by b: from the
// first instant of its start day to the last instant of its end day, UTC.
func BudgetWindow(b core.Budget) (from, to time.Time) {
	from = core.DayOf(b.StartDate)
	to = core.DayOf(b.EndDate).Add(24*time.Hour - time.Nanosecond)
	return from, to
}

// EvaluateBudget computes spending against b from the owner's transaction log.
// Only expenses dated inside the budget window count, and only those in one of
// the budget's categories when it names any. A transaction whose category
// known rejects is treated as uncategorized; a nil known accepts every
// category.
//
// The result depends on nothing but its arguments, so it is never stored.
func EvaluateBudget(b core.Budget, txs []core.Transaction, known func(categoryID string) bool) core.BudgetEvaluation {
	from, to := BudgetWindow(b)

	wanted := make(map[string]struct{}, len(b.CategoryIDs))
	for _, id := range b.CategoryIDs {
		wanted[id] = struct{}{}
	}

	spent := decimal.Zero
	for _, t := range txs {
		if t.Type != core.TypeExpense || t.Date.Before(from) || t.Date.After(to) {
			continue
		}
		if len(wanted) > 0 {
			category := t.CategoryID
			if known != nil && !known(category) {
				category = ""
			}
			if _, ok := wanted[category]; !ok {
				continue
			}
		}
		spent = spent.Add(t.Amount.Abs())
	}

	eval := core.BudgetEvaluation{
		BudgetID:    b.ID,
		Spent:       spent,
		Remaining:   b.Amount.Sub(spent),
		PercentUsed: decimal.Zero,
	}
	if b.Amount.IsPositive() {
		eval.PercentUsed = spent.Div(b.Amount).Mul(hundred).Round(2)
	}
	return eval
}

// BudgetEvaluator serves EvaluateBudget over the store.
type BudgetEvaluator struct {
	store   storage.Reader
	catalog *CategoryCatalog
}

// NewBudgetEvaluator builds an evaluator. catalog may be nil, in which case
// every category id is taken at face value.
func NewBudgetEvaluator(store storage.Reader, catalog *CategoryCatalog) *BudgetEvaluator {
	return &BudgetEvaluator{store: store, catalog: catalog}
}

// Evaluate computes spent, remaining and percent used for one budget.
func (e *BudgetEvaluator) Evaluate(ctx context.Context, owner, budgetID string) (core.BudgetEvaluation, error) {
	b, ok, err := e.store.GetBudget(ctx, owner, budgetID)
	if err != nil {
		return core.BudgetEvaluation{}, fmt.Errorf("get budget: %w", err)
	}
	if !ok {
		return core.BudgetEvaluation{}, &core.NotFoundError{Entity: "budget", ID: budgetID}
	}

	from, to := BudgetWindow(b)
	txs, err := e.store.ListTransactions(ctx, owner, storage.TransactionFilter{
		Type: core.TypeExpense,
		From: from,
		To:   to,
	})
	if err != nil {
		return core.BudgetEvaluation{}, fmt.Errorf("list expenses: %w", err)
	}

	return EvaluateBudget(b, txs, e.knownCategories(ctx, owner)), nil
}

// EvaluateAll evaluates every budget of owner against one scan of the
// expense log, in the store's budget order.
func (e *BudgetEvaluator) EvaluateAll(ctx context.Context, owner string) ([]core.BudgetEvaluation, error) {
	var (
		budgets []core.Budget
		txs     []core.Transaction
		known   func(string) bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		budgets, err = e.store.ListBudgets(gctx, owner)
		if err != nil {
			return fmt.Errorf("list budgets: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		txs, err = e.store.ListTransactions(gctx, owner, storage.TransactionFilter{Type: core.TypeExpense})
		if err != nil {
			return fmt.Errorf("list expenses: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		known = e.knownCategories(gctx, owner)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]core.BudgetEvaluation, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, EvaluateBudget(b, txs, known))
	}
	return out, nil
}

// knownCategories returns a membership test over the owner's catalog. A
// catalog failure degrades to accepting every id rather than failing the
// evaluation.
func (e *BudgetEvaluator) knownCategories(ctx context.Context, owner string) func(string) bool {
	if e.catalog == nil {
		return nil
	}
	categories, err := e.catalog.Known(ctx, owner)
	if err != nil {
		slog.WarnContext(ctx, "Category catalog unavailable, evaluating budgets without it",
			"owner_id", owner,
			"error", err)
		return nil
	}
	return func(id string) bool {
		_, ok := categories[id]
		return ok
	}
}

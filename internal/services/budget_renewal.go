package services

// Budget renewal uses one strategy per frequency. Each strategy knows how to
// derive the window that follows a budget's current one.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// RenewalStrategy computes the next window of a recurring budget.
type RenewalStrategy interface {
	// Next returns the window immediately following [start, end].
	Next(start, end time.Time) (nextStart, nextEnd time.Time)
}

// MonthlyRenewal starts the next window the day after the current one ends
// and runs it to the day before the anchor day one month later. The anchor is
// the day of month the windows start on; a month too short for it starts on
// its last day instead, and the following window returns to the anchor.
type MonthlyRenewal struct{}

func (MonthlyRenewal) Next(start, end time.Time) (time.Time, time.Time) {
	nextStart := core.DayOf(end).AddDate(0, 0, 1)
	// Of two consecutive months at least one has 31 days, so one of the two
	// starts was not clamped.
	anchor := max(core.DayOf(start).Day(), nextStart.Day())
	y, m, _ := nextStart.Date()
	return nextStart, clampedDay(y, m+1, anchor).AddDate(0, 0, -1)
}

// WeeklyRenewal shifts both bounds by seven days.
type WeeklyRenewal struct{}

func (WeeklyRenewal) Next(start, end time.Time) (time.Time, time.Time) {
	return start.AddDate(0, 0, 7), end.AddDate(0, 0, 7)
}

var renewalStrategies = map[core.BudgetFrequency]RenewalStrategy{
	core.FrequencyMonthly: MonthlyRenewal{},
	core.FrequencyWeekly:  WeeklyRenewal{},
}

// GetRenewalStrategy returns the strategy for frequency. Custom budgets have
// none and never roll over.
func GetRenewalStrategy(frequency core.BudgetFrequency) (RenewalStrategy, error) {
	s, ok := renewalStrategies[frequency]
	if !ok {
		return nil, fmt.Errorf("budget frequency %q does not renew", frequency)
	}
	return s, nil
}

// clampedDay returns day d of month m in year y, or the month's last day when
// it is shorter. m may overflow.
func clampedDay(y int, m time.Month, d int) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 0, min(d, daysIn(first.Year(), first.Month()))-1)
}

// daysIn returns the number of days of month m in year y. m may overflow.
func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextWindow returns the first window after b's that has not ended by today.
// Windows that passed entirely while no renewal ran are skipped.
func NextWindow(b core.Budget, today time.Time) (start, end time.Time, err error) {
	strategy, err := GetRenewalStrategy(b.Frequency)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	today = core.DayOf(today)
	start, end = core.DayOf(b.StartDate), core.DayOf(b.EndDate)
	for {
		start, end = strategy.Next(start, end)
		if !end.Before(today) {
			return start, end, nil
		}
	}
}

// IsRenewalDue reports whether b is an active recurring budget whose window
// ended before today.
func IsRenewalDue(b core.Budget, today time.Time) bool {
	if !b.IsActive {
		return false
	}
	if _, ok := renewalStrategies[b.Frequency]; !ok {
		return false
	}
	return core.DayOf(b.EndDate).Before(core.DayOf(today))
}

// BudgetRenewer rolls expired recurring budgets into their next window.
type BudgetRenewer struct {
	store storage.Store
	newID func() string
}

func NewBudgetRenewer(store storage.Store) *BudgetRenewer {
	return &BudgetRenewer{store: store, newID: uuid.NewString}
}

// RenewDue renews every due budget of every owner and returns how many were
// renewed. A failure for one budget is logged and does not stop the run.
func (r *BudgetRenewer) RenewDue(ctx context.Context, now time.Time) (int, error) {
	owners, err := r.store.ListOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list owners: %w", err)
	}

	slog.InfoContext(ctx, "Processing budget renewals",
		"owners", len(owners),
		"processing_date", now.Format(time.DateOnly))

	renewed, checked := 0, 0
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return renewed, err
		}
		budgets, err := r.store.ListBudgets(ctx, owner)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to list budgets",
				"owner_id", owner,
				"error", err)
			continue
		}
		for _, b := range budgets {
			checked++
			if !IsRenewalDue(b, now) {
				continue
			}
			next, ok, err := r.renew(ctx, owner, b.ID, now)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to renew budget",
					"owner_id", owner,
					"budget_id", b.ID,
					"error", err)
				continue
			}
			if !ok {
				continue
			}
			renewed++
			slog.InfoContext(ctx, "Renewed budget",
				"owner_id", owner,
				"budget_id", b.ID,
				"new_budget_id", next.ID,
				"start_date", next.StartDate.Format(time.DateOnly),
				"end_date", next.EndDate.Format(time.DateOnly),
				"frequency", next.Frequency)
		}
	}

	slog.InfoContext(ctx, "Budget renewal complete",
		"renewed", renewed,
		"total_checked", checked)
	return renewed, nil
}

// renew deactivates budget id and creates its successor in one unit. The due
// check is repeated inside the unit so that concurrent renewers create at
// most one successor.
func (r *BudgetRenewer) renew(ctx context.Context, owner, id string, now time.Time) (core.Budget, bool, error) {
	var (
		next core.Budget
		done bool
	)
	err := r.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		done = false
		b, ok, err := tx.GetBudget(ctx, id)
		if err != nil {
			return err
		}
		if !ok || !IsRenewalDue(b, now) {
			return nil
		}
		start, end, err := NextWindow(b, now)
		if err != nil {
			return err
		}

		at := now.UTC()
		b.IsActive = false
		b.LastUpdated = at
		if err := tx.PutBudget(ctx, b); err != nil {
			return err
		}

		next = b
		next.ID = r.newID()
		next.StartDate = start
		next.EndDate = end
		next.IsActive = true
		next.CategoryIDs = append([]string(nil), b.CategoryIDs...)
		next.CreatedAt = at
		next.LastUpdated = at
		if err := tx.PutBudget(ctx, next); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return core.Budget{}, false, err
	}
	return next, done, nil
}

package storage

import (
	"sort"
	"time"

	"ledgerd/internal/core"
)

// TransactionFilter narrows a transaction scan. Zero fields match everything.
// From and To bound the transaction date inclusively.
type TransactionFilter struct {
	// AccountID matches the source account or a transfer destination.
	AccountID  string
	Type       core.TransactionType
	CategoryID string
	From       time.Time
	To         time.Time
	Limit      int
}

// Match applies the filter to one transaction. Backends that filter in SQL
// use it for their in-memory equivalents and tests.
func (f TransactionFilter) Match(t core.Transaction) bool {
	if f.AccountID != "" && !t.Touches(f.AccountID) {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.CategoryID != "" && t.CategoryID != f.CategoryID {
		return false
	}
	if !f.From.IsZero() && t.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.Date.After(f.To) {
		return false
	}
	return true
}

// SortTransactions orders by date descending, newest insert first on ties.
func SortTransactions(txs []core.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.After(txs[j].Date)
		}
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID > txs[j].ID
	})
}

// SortAccounts orders by name ascending.
func SortAccounts(accounts []core.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].Name != accounts[j].Name {
			return accounts[i].Name < accounts[j].Name
		}
		return accounts[i].ID < accounts[j].ID
	})
}

// SortBudgets orders by start date descending.
func SortBudgets(budgets []core.Budget) {
	sort.SliceStable(budgets, func(i, j int) bool {
		if !budgets[i].StartDate.Equal(budgets[j].StartDate) {
			return budgets[i].StartDate.After(budgets[j].StartDate)
		}
		return budgets[i].ID < budgets[j].ID
	})
}

// SortCategories orders by name ascending.
func SortCategories(categories []core.Category) {
	sort.SliceStable(categories, func(i, j int) bool {
		if categories[i].Name != categories[j].Name {
			return categories[i].Name < categories[j].Name
		}
		return categories[i].ID < categories[j].ID
	})
}

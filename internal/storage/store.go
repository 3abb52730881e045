// Package storage defines the ledger store contract shared by every backend:
// owner-scoped reads, atomic units with conflict detection and bounded retry,
// and change notifications.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd/internal/core"
)

// Collection names a record family. Change notifications are keyed by it.
type Collection string

const (
	CollectionAccounts     Collection = "accounts"
	CollectionTransactions Collection = "transactions"
	CollectionSummaries    Collection = "summaries"
	CollectionBudgets      Collection = "budgets"
	CollectionCategories   Collection = "categories"
)

// Collections lists every collection in a stable order.
var Collections = []Collection{
	CollectionAccounts,
	CollectionTransactions,
	CollectionSummaries,
	CollectionBudgets,
	CollectionCategories,
}

func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// SummaryDelta is applied to a balance summary as increments.
type SummaryDelta struct {
	CurrentBalance decimal.Decimal
	TotalIncome    decimal.Decimal
	TotalExpenses  decimal.Decimal
}

func (d SummaryDelta) Neg() SummaryDelta {
	return SummaryDelta{
		CurrentBalance: d.CurrentBalance.Neg(),
		TotalIncome:    d.TotalIncome.Neg(),
		TotalExpenses:  d.TotalExpenses.Neg(),
	}
}

func (d SummaryDelta) IsZero() bool {
	return d.CurrentBalance.IsZero() && d.TotalIncome.IsZero() && d.TotalExpenses.IsZero()
}

// Reader is the read side of the store. Point reads report absence through the
// boolean, never through an error.
type Reader interface {
	GetAccount(ctx context.Context, owner, id string) (core.Account, bool, error)
	// ListAccounts returns accounts ordered by name ascending.
	ListAccounts(ctx context.Context, owner string) ([]core.Account, error)
	GetTransaction(ctx context.Context, owner, id string) (core.Transaction, bool, error)
	// ListTransactions returns matching transactions ordered by date descending.
	ListTransactions(ctx context.Context, owner string, filter TransactionFilter) ([]core.Transaction, error)
	GetSummary(ctx context.Context, owner string) (core.BalanceSummary, bool, error)
	GetBudget(ctx context.Context, owner, id string) (core.Budget, bool, error)
	// ListBudgets returns budgets ordered by start date descending.
	ListBudgets(ctx context.Context, owner string) ([]core.Budget, error)
	// ListCategories returns the owner's own categories ordered by name.
	ListCategories(ctx context.Context, owner string) ([]core.Category, error)
	// ListOwners returns every owner with a provisioned summary or any account.
	ListOwners(ctx context.Context) ([]string, error)
}

// Tx is the handle passed to an atomic unit. Every method is scoped to the
// owner the unit was opened for. Writes become visible to other readers only
// when the unit commits, and reads inside the unit observe its own writes.
//
// Balance fields are never written from values read in the unit: they are
// set once on insert and afterwards only moved by the Increment methods.
type Tx interface {
	GetAccount(ctx context.Context, id string) (core.Account, bool, error)
	ListAccounts(ctx context.Context) ([]core.Account, error)
	// PutAccount inserts a new account, or updates name, type, default flag
	// and last-updated of an existing one. Balances of an existing account are
	// left untouched.
	PutAccount(ctx context.Context, a core.Account) error
	IncrementAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error
	DeleteAccount(ctx context.Context, id string) error
	// CountAccountReferences counts transactions using the account as source
	// or transfer destination. Inserting such a transaction concurrently makes
	// the unit conflict.
	CountAccountReferences(ctx context.Context, accountID string) (int, error)

	GetSummary(ctx context.Context) (core.BalanceSummary, bool, error)
	// InitSummary creates the summary if it does not exist yet.
	InitSummary(ctx context.Context, s core.BalanceSummary) error
	IncrementSummary(ctx context.Context, delta SummaryDelta, at time.Time) error

	GetTransaction(ctx context.Context, id string) (core.Transaction, bool, error)
	// InsertTransaction stores t under a new store-assigned id.
	InsertTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error

	GetBudget(ctx context.Context, id string) (core.Budget, bool, error)
	PutBudget(ctx context.Context, b core.Budget) error
	DeleteBudget(ctx context.Context, id string) error

	PutCategory(ctx context.Context, c core.Category) error
	DeleteCategory(ctx context.Context, id string) error
}

// AtomicFunc is the body of an atomic unit. It may run more than once when
// the store retries after a conflict, so it must not have side effects
// outside tx.
type AtomicFunc func(ctx context.Context, tx Tx) error

// Store is implemented by the memory, sqlite and postgres backends.
type Store interface {
	Reader
	// RunAtomic runs fn as one all-or-nothing unit for owner. Conflicts are
	// retried per the store's RetryPolicy and then surfaced as
	// *core.ConflictError; attempt timeouts surface as
	// *core.StoreUnavailableError. Errors returned by fn abort the unit and are
	// returned unchanged.
	RunAtomic(ctx context.Context, owner string, fn AtomicFunc) error
	// Subscribe registers fn for committed changes to collection for owner.
	// fn runs on the committing goroutine and must not block.
	Subscribe(collection Collection, owner string, fn func(Change)) (unsubscribe func())
	Ping(ctx context.Context) error
	Close() error
}

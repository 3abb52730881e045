// Package storagetest is the behavioural contract every storage.Store backend
// must satisfy. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// Opener returns a fresh, empty store. Cleanup is the opener's job.
type Opener func(t *testing.T) storage.Store

var at = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	require.Truef(t, amount(want).Equal(got), "%s = %s, want %s", msg, got, want)
}

// Run executes the contract against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"AccountLifecycle", testAccountLifecycle},
		{"PutAccountKeepsBalances", testPutAccountKeepsBalances},
		{"SummaryIncrements", testSummaryIncrements},
		{"TransactionsFilterAndOrder", testTransactionsFilterAndOrder},
		{"AbortedUnitLeavesNoTrace", testAbortedUnitLeavesNoTrace},
		{"ReadYourWrites", testReadYourWrites},
		{"MissingRecords", testMissingRecords},
		{"AccountReferences", testAccountReferences},
		{"Budgets", testBudgets},
		{"Categories", testCategories},
		{"OwnerIsolation", testOwnerIsolation},
		{"ChangeNotifications", testChangeNotifications},
		{"ConcurrentIncrements", testConcurrentIncrements},
		{"ConcurrentCrossedTransfers", testConcurrentCrossedTransfers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func newOwner() string {
	return "owner-" + uuid.NewString()
}

func seedAccount(t *testing.T, s storage.Store, owner, name, balance string) core.Account {
	t.Helper()
	a := core.Account{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		Name:           name,
		Type:           core.AccountChecking,
		InitialBalance: amount(balance),
		CurrentBalance: amount(balance),
		CreatedAt:      at,
		LastUpdated:    at,
	}
	err := s.RunAtomic(context.Background(), owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutAccount(ctx, a)
	})
	require.NoError(t, err)
	return a
}

func seedSummary(t *testing.T, s storage.Store, owner string) {
	t.Helper()
	err := s.RunAtomic(context.Background(), owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.InitSummary(ctx, core.NewZeroSummary(owner, at))
	})
	require.NoError(t, err)
}

func insertTransaction(t *testing.T, s storage.Store, owner string, txn core.Transaction) core.Transaction {
	t.Helper()
	var stored core.Transaction
	err := s.RunAtomic(context.Background(), owner, func(ctx context.Context, tx storage.Tx) error {
		var err error
		stored, err = tx.InsertTransaction(ctx, txn)
		return err
	})
	require.NoError(t, err)
	return stored
}

func testAccountLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()

	savings := seedAccount(t, s, owner, "Savings", "250.50")
	cash := seedAccount(t, s, owner, "Cash", "0")

	got, ok, err := s.GetAccount(ctx, owner, savings.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Savings", got.Name)
	require.Equal(t, owner, got.OwnerID)
	requireAmount(t, "250.50", got.CurrentBalance, "current balance")
	require.True(t, got.CreatedAt.Equal(at), "created_at = %v", got.CreatedAt)

	list, err := s.ListAccounts(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, cash.ID, list[0].ID, "accounts are ordered by name")
	require.Equal(t, savings.ID, list[1].ID)

	err = s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.DeleteAccount(ctx, cash.ID)
	})
	require.NoError(t, err)

	_, ok, err = s.GetAccount(ctx, owner, cash.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func testPutAccountKeepsBalances(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	a := seedAccount(t, s, owner, "Checking", "100")

	err := s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.IncrementAccountBalance(ctx, a.ID, amount("-40"), at)
	})
	require.NoError(t, err)

	renamed := a
	renamed.Name = "Main"
	renamed.CurrentBalance = amount("999")
	renamed.InitialBalance = amount("999")
	renamed.LastUpdated = at.Add(time.Hour)
	err = s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutAccount(ctx, renamed)
	})
	require.NoError(t, err)

	got, ok, err := s.GetAccount(ctx, owner, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Main", got.Name)
	requireAmount(t, "60", got.CurrentBalance, "current balance")
	requireAmount(t, "100", got.InitialBalance, "initial balance")
}

func testSummaryIncrements(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()

	_, ok, err := s.GetSummary(ctx, owner)
	require.NoError(t, err)
	require.False(t, ok)

	err = s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.IncrementSummary(ctx, storage.SummaryDelta{CurrentBalance: amount("1")}, at)
	})
	require.ErrorIs(t, err, core.ErrNotFound, "incrementing a missing summary")

	seedSummary(t, s, owner)
	seedSummary(t, s, owner)

	err = s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.IncrementSummary(ctx, storage.SummaryDelta{
			CurrentBalance: amount("1000"),
			TotalIncome:    amount("1000"),
		}, at); err != nil {
			return err
		}
		return tx.IncrementSummary(ctx, storage.SummaryDelta{
			CurrentBalance: amount("-200.25"),
			TotalExpenses:  amount("-200.25"),
		}, at.Add(time.Minute))
	})
	require.NoError(t, err)

	sum, ok, err := s.GetSummary(ctx, owner)
	require.NoError(t, err)
	require.True(t, ok)
	requireAmount(t, "799.75", sum.CurrentBalance, "current balance")
	requireAmount(t, "1000", sum.TotalIncome, "total income")
	requireAmount(t, "-200.25", sum.TotalExpenses, "total expenses")
	require.True(t, sum.LastUpdated.Equal(at.Add(time.Minute)), "last_updated = %v", sum.LastUpdated)
}

func testTransactionsFilterAndOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()

	mk := func(desc string, typ core.TransactionType, amt string, day int, category, to string) core.Transaction {
		return core.Transaction{
			AccountID:           "acc-a",
			Amount:              amount(amt),
			Description:         desc,
			Type:                typ,
			CategoryID:          category,
			TransferToAccountID: to,
			Date:                core.NewDate(2024, 3, day),
		}
	}
	salary := insertTransaction(t, s, owner, mk("salary", core.TypeIncome, "3000", 1, "salary", ""))
	groceries := insertTransaction(t, s, owner, mk("groceries", core.TypeExpense, "-82.10", 5, "food", ""))
	move := insertTransaction(t, s, owner, mk("to savings", core.TypeTransfer, "-500", 10, "", "acc-b"))

	require.NotEmpty(t, salary.ID)
	require.Equal(t, owner, salary.OwnerID)
	require.False(t, salary.CreatedAt.IsZero())

	all, err := s.ListTransactions(ctx, owner, storage.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{move.ID, groceries.ID, salary.ID},
		[]string{all[0].ID, all[1].ID, all[2].ID}, "transactions are ordered by date descending")

	got, ok, err := s.GetTransaction(ctx, owner, groceries.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "groceries", got.Description)
	requireAmount(t, "-82.10", got.Amount, "amount")
	require.True(t, got.Date.Equal(core.NewDate(2024, 3, 5)))

	filters := []struct {
		name   string
		filter storage.TransactionFilter
		want   []string
	}{
		{"by type", storage.TransactionFilter{Type: core.TypeExpense}, []string{groceries.ID}},
		{"by category", storage.TransactionFilter{CategoryID: "salary"}, []string{salary.ID}},
		{"by transfer destination", storage.TransactionFilter{AccountID: "acc-b"}, []string{move.ID}},
		{"by date range", storage.TransactionFilter{From: core.NewDate(2024, 3, 5), To: core.NewDate(2024, 3, 10)}, []string{move.ID, groceries.ID}},
		{"with limit", storage.TransactionFilter{Limit: 1}, []string{move.ID}},
	}
	for _, f := range filters {
		t.Run(f.name, func(t *testing.T) {
			got, err := s.ListTransactions(ctx, owner, f.filter)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, txn := range got {
				ids[i] = txn.ID
			}
			require.Equal(t, f.want, ids)
		})
	}
}

func testAbortedUnitLeavesNoTrace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	a := seedAccount(t, s, owner, "Checking", "100")
	seedSummary(t, s, owner)

	boom := errors.New("boom")
	err := s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.InsertTransaction(ctx, core.Transaction{
			AccountID: a.ID, Amount: amount("-10"), Description: "coffee",
			Type: core.TypeExpense, CategoryID: "food", Date: at,
		}); err != nil {
			return err
		}
		if err := tx.IncrementAccountBalance(ctx, a.ID, amount("-10"), at); err != nil {
			return err
		}
		if err := tx.IncrementSummary(ctx, storage.SummaryDelta{CurrentBalance: amount("-10"), TotalExpenses: amount("-10")}, at); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	txs, err := s.ListTransactions(ctx, owner, storage.TransactionFilter{})
	require.NoError(t, err)
	require.Empty(t, txs)

	got, _, err := s.GetAccount(ctx, owner, a.ID)
	require.NoError(t, err)
	requireAmount(t, "100", got.CurrentBalance, "current balance")

	sum, _, err := s.GetSummary(ctx, owner)
	require.NoError(t, err)
	requireAmount(t, "0", sum.CurrentBalance, "summary balance")
}

func testReadYourWrites(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	a := seedAccount(t, s, owner, "Checking", "100")

	err := s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InitSummary(ctx, core.NewZeroSummary(owner, at)); err != nil {
			return err
		}
		if err := tx.IncrementSummary(ctx, storage.SummaryDelta{CurrentBalance: amount("5")}, at); err != nil {
			return err
		}
		sum, ok, err := tx.GetSummary(ctx)
		if err != nil {
			return err
		}
		if !ok || !sum.CurrentBalance.Equal(amount("5")) {
			return fmt.Errorf("summary inside unit = %+v (found %v)", sum, ok)
		}

		if err := tx.IncrementAccountBalance(ctx, a.ID, amount("25"), at); err != nil {
			return err
		}
		acc, ok, err := tx.GetAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		if !ok || !acc.CurrentBalance.Equal(amount("125")) {
			return fmt.Errorf("account inside unit = %+v (found %v)", acc, ok)
		}

		txn, err := tx.InsertTransaction(ctx, core.Transaction{
			AccountID: a.ID, Amount: amount("25"), Description: "refund",
			Type: core.TypeIncome, CategoryID: "refund", Date: at,
		})
		if err != nil {
			return err
		}
		if _, ok, err := tx.GetTransaction(ctx, txn.ID); err != nil || !ok {
			return fmt.Errorf("inserted transaction not visible inside unit: %v", err)
		}
		return nil
	})
	require.NoError(t, err)
}

func testMissingRecords(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	seedSummary(t, s, owner)

	ops := map[string]storage.AtomicFunc{
		"increment account": func(ctx context.Context, tx storage.Tx) error {
			return tx.IncrementAccountBalance(ctx, "missing", amount("1"), at)
		},
		"delete account": func(ctx context.Context, tx storage.Tx) error {
			return tx.DeleteAccount(ctx, "missing")
		},
		"delete transaction": func(ctx context.Context, tx storage.Tx) error {
			return tx.DeleteTransaction(ctx, "missing")
		},
		"delete budget": func(ctx context.Context, tx storage.Tx) error {
			return tx.DeleteBudget(ctx, "missing")
		},
		"delete category": func(ctx context.Context, tx storage.Tx) error {
			return tx.DeleteCategory(ctx, "missing")
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := s.RunAtomic(ctx, owner, op)
			var nf *core.NotFoundError
			require.ErrorAs(t, err, &nf)
			require.Equal(t, "missing", nf.ID)
		})
	}

	_, ok, err := s.GetTransaction(ctx, owner, "missing")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.GetBudget(ctx, owner, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func testAccountReferences(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	a := seedAccount(t, s, owner, "A", "0")
	b := seedAccount(t, s, owner, "B", "0")
	c := seedAccount(t, s, owner, "C", "0")

	insertTransaction(t, s, owner, core.Transaction{
		AccountID: a.ID, TransferToAccountID: b.ID, Amount: amount("-5"),
		Description: "move", Type: core.TypeTransfer, Date: at,
	})

	counts := map[string]int{}
	err := s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		for _, id := range []string{a.ID, b.ID, c.ID} {
			n, err := tx.CountAccountReferences(ctx, id)
			if err != nil {
				return err
			}
			counts[id] = n
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, counts[a.ID], "source account")
	require.Equal(t, 1, counts[b.ID], "transfer destination")
	require.Equal(t, 0, counts[c.ID], "unrelated account")
}

func testBudgets(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()

	mk := func(name string, month time.Month, categories []string) core.Budget {
		start := core.NewDate(2024, int(month), 1)
		return core.Budget{
			ID:          uuid.NewString(),
			Name:        name,
			Amount:      amount("400"),
			StartDate:   start,
			EndDate:     start.AddDate(0, 1, -1),
			Frequency:   core.FrequencyMonthly,
			CategoryIDs: categories,
			IsActive:    true,
			CreatedAt:   at,
			LastUpdated: at,
		}
	}
	jan := mk("January", time.January, nil)
	feb := mk("February", time.February, []string{"food", "transport"})

	err := s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutBudget(ctx, jan); err != nil {
			return err
		}
		return tx.PutBudget(ctx, feb)
	})
	require.NoError(t, err)

	list, err := s.ListBudgets(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, feb.ID, list[0].ID, "budgets are ordered by start date descending")
	require.Equal(t, []string{"food", "transport"}, list[0].CategoryIDs)
	require.Empty(t, list[1].CategoryIDs)

	feb.IsActive = false
	feb.Amount = amount("450")
	err = s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutBudget(ctx, feb)
	})
	require.NoError(t, err)

	got, ok, err := s.GetBudget(ctx, owner, feb.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, got.IsActive)
	requireAmount(t, "450", got.Amount, "budget amount")
	require.True(t, got.EndDate.Equal(core.NewDate(2024, 2, 29)))

	err = s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.DeleteBudget(ctx, jan.ID)
	})
	require.NoError(t, err)
	list, err = s.ListBudgets(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testCategories(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()

	pets := core.Category{ID: uuid.NewString(), Name: "Pets", Type: core.TypeExpense, Icon: "paw", Color: "#aa8844"}
	bonus := core.Category{ID: uuid.NewString(), Name: "Bonus", Type: core.TypeIncome}
	err := s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.PutCategory(ctx, pets); err != nil {
			return err
		}
		return tx.PutCategory(ctx, bonus)
	})
	require.NoError(t, err)

	list, err := s.ListCategories(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Bonus", list[0].Name)
	require.Equal(t, "paw", list[1].Icon)
	require.Equal(t, owner, list[1].OwnerID)

	err = s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.DeleteCategory(ctx, pets.ID)
	})
	require.NoError(t, err)
	list, err = s.ListCategories(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testOwnerIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	alice, bob := newOwner(), newOwner()
	a := seedAccount(t, s, alice, "Alice checking", "10")
	seedSummary(t, s, alice)

	_, ok, err := s.GetAccount(ctx, bob, a.ID)
	require.NoError(t, err)
	require.False(t, ok, "bob must not see alice's account")

	err = s.RunAtomic(ctx, bob, func(ctx context.Context, tx storage.Tx) error {
		return tx.IncrementAccountBalance(ctx, a.ID, amount("1"), at)
	})
	require.ErrorIs(t, err, core.ErrNotFound)

	list, err := s.ListAccounts(ctx, bob)
	require.NoError(t, err)
	require.Empty(t, list)

	owners, err := s.ListOwners(ctx)
	require.NoError(t, err)
	require.Contains(t, owners, alice)
	require.NotContains(t, owners, bob)
}

func testChangeNotifications(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	seedSummary(t, s, owner)

	changes := make(chan storage.Change, 8)
	unsubscribe := s.Subscribe(storage.CollectionSummaries, owner, func(c storage.Change) {
		changes <- c
	})
	defer unsubscribe()

	err := s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return tx.IncrementSummary(ctx, storage.SummaryDelta{CurrentBalance: amount("1")}, at)
	})
	require.NoError(t, err)

	select {
	case c := <-changes:
		require.Equal(t, storage.CollectionSummaries, c.Collection)
		require.Equal(t, owner, c.OwnerID)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification after commit")
	}
}

func testConcurrentIncrements(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	a := seedAccount(t, s, owner, "Checking", "0")
	seedSummary(t, s, owner)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
				if _, ok, err := tx.GetAccount(ctx, a.ID); err != nil || !ok {
					return fmt.Errorf("account lookup: found=%v err=%w", ok, err)
				}
				if err := tx.IncrementAccountBalance(ctx, a.ID, amount("-1"), at); err != nil {
					return err
				}
				return tx.IncrementSummary(ctx, storage.SummaryDelta{
					CurrentBalance: amount("-1"),
					TotalExpenses:  amount("-1"),
				}, at)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, _, err := s.GetAccount(ctx, owner, a.ID)
	require.NoError(t, err)
	requireAmount(t, fmt.Sprint(-workers), got.CurrentBalance, "account balance")

	sum, _, err := s.GetSummary(ctx, owner)
	require.NoError(t, err)
	requireAmount(t, fmt.Sprint(-workers), sum.CurrentBalance, "summary balance")
	requireAmount(t, fmt.Sprint(-workers), sum.TotalExpenses, "summary expenses")
}

// Units move money both ways between two accounts at once. Each reads and
// increments the pair in id order; no unit may fail.
func testConcurrentCrossedTransfers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	owner := newOwner()
	a := seedAccount(t, s, owner, "Checking", "100")
	b := seedAccount(t, s, owner, "Savings", "100")
	ids := []string{a.ID, b.ID}
	slices.Sort(ids)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		from, delta := a.ID, amount("1")
		if i%2 == 1 {
			from, delta = b.ID, amount("2")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
				for _, id := range ids {
					if _, ok, err := tx.GetAccount(ctx, id); err != nil || !ok {
						return fmt.Errorf("account lookup: found=%v err=%w", ok, err)
					}
				}
				for _, id := range ids {
					d := delta
					if id == from {
						d = delta.Neg()
					}
					if err := tx.IncrementAccountBalance(ctx, id, d, at); err != nil {
						return err
					}
				}
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	gotA, _, err := s.GetAccount(ctx, owner, a.ID)
	require.NoError(t, err)
	requireAmount(t, "110", gotA.CurrentBalance, "first account balance")
	gotB, _, err := s.GetAccount(ctx, owner, b.ID)
	require.NoError(t, err)
	requireAmount(t, "90", gotB.CurrentBalance, "second account balance")
}

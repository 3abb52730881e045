package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd/internal/amqp"
	"ledgerd/internal/core"
	"ledgerd/internal/storage"
	"ledgerd/internal/storage/memory"
)

var testDay = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedAccounts stores accounts with the given initial balances and a zero
// summary for owner.
func seedAccounts(t *testing.T, store storage.Store, owner string, balances map[string]string) {
	t.Helper()
	err := store.RunAtomic(context.Background(), owner, func(ctx context.Context, tx storage.Tx) error {
		for id, bal := range balances {
			if err := tx.PutAccount(ctx, core.Account{
				ID:             id,
				OwnerID:        owner,
				Name:           "Account " + id,
				Type:           core.AccountChecking,
				InitialBalance: amt(bal),
				CurrentBalance: amt(bal),
				CreatedAt:      testDay,
				LastUpdated:    testDay,
			}); err != nil {
				return err
			}
		}
		return tx.InitSummary(ctx, core.NewZeroSummary(owner, testDay))
	})
	if err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
}

func balanceOf(t *testing.T, store storage.Reader, owner, id string) decimal.Decimal {
	t.Helper()
	a, ok, err := store.GetAccount(context.Background(), owner, id)
	if err != nil || !ok {
		t.Fatalf("GetAccount(%s) = %v, %v", id, ok, err)
	}
	return a.CurrentBalance
}

func summaryOf(t *testing.T, store storage.Reader, owner string) core.BalanceSummary {
	t.Helper()
	s, ok, err := store.GetSummary(context.Background(), owner)
	if err != nil || !ok {
		t.Fatalf("GetSummary() = %v, %v", ok, err)
	}
	return s
}

func assertAmount(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(amt(want)) {
		t.Errorf("%s = %s, want %s", what, got.StringFixed(2), want)
	}
}

func expense(account, amount, category string) core.TransactionDraft {
	return core.TransactionDraft{
		AccountID:   account,
		Amount:      amt(amount),
		Description: "expense",
		Type:        core.TypeExpense,
		CategoryID:  category,
		Date:        testDay,
	}
}

func income(account, amount, category string) core.TransactionDraft {
	return core.TransactionDraft{
		AccountID:   account,
		Amount:      amt(amount),
		Description: "income",
		Type:        core.TypeIncome,
		CategoryID:  category,
		Date:        testDay,
	}
}

func transfer(from, to, amount string) core.TransactionDraft {
	return core.TransactionDraft{
		AccountID:           from,
		Amount:              amt(amount),
		Description:         "transfer",
		Type:                core.TypeTransfer,
		Date:                testDay,
		TransferToAccountID: to,
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*amqp.LedgerEvent
	err    error
}

func (p *recordingPublisher) PublishLedgerEvent(_ context.Context, ev *amqp.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) kinds() []amqp.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]amqp.EventKind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

var errInjected = errors.New("injected failure")

// failingStore makes IncrementAccountBalance fail for one account inside every
// atomic unit, after the unit has already written other records.
type failingStore struct {
	*memory.Store
	failAccount string
}

func (s *failingStore) RunAtomic(ctx context.Context, owner string, fn storage.AtomicFunc) error {
	return s.Store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, failAccount: s.failAccount})
	})
}

type failingTx struct {
	storage.Tx
	failAccount string
}

func (tx *failingTx) IncrementAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error {
	if id == tx.failAccount {
		return errInjected
	}
	return tx.Tx.IncrementAccountBalance(ctx, id, delta, at)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"ledgerd/internal/amqp"
	"ledgerd/internal/core"
	"ledgerd/internal/storage"
	"ledgerd/internal/storage/memory"
	"ledgerd/internal/storage/sqlite"
)

func TestLedgerService_Scenario(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	pub := &recordingPublisher{}
	svc := NewLedgerService(store, pub)
	seedAccounts(t, store, "alice", map[string]string{"A": "100000", "B": "0"})

	exp, err := svc.Record(ctx, "alice", expense("A", "-20000", "food"))
	if err != nil {
		t.Fatalf("Record(expense) error = %v", err)
	}
	if exp.ID == "" || exp.OwnerID != "alice" {
		t.Fatalf("Record(expense) = %+v, want id and owner set", exp)
	}
	assertAmount(t, "A after expense", balanceOf(t, store, "alice", "A"), "80000")
	s := summaryOf(t, store, "alice")
	assertAmount(t, "summary expenses", s.TotalExpenses, "-20000")
	assertAmount(t, "summary balance", s.CurrentBalance, "-20000")

	if _, err := svc.Record(ctx, "alice", transfer("A", "B", "-30000")); err != nil {
		t.Fatalf("Record(transfer) error = %v", err)
	}
	assertAmount(t, "A after transfer", balanceOf(t, store, "alice", "A"), "50000")
	assertAmount(t, "B after transfer", balanceOf(t, store, "alice", "B"), "30000")
	assertAmount(t, "summary balance after transfer", summaryOf(t, store, "alice").CurrentBalance, "-20000")

	if err := svc.Delete(ctx, "alice", exp.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	assertAmount(t, "A after delete", balanceOf(t, store, "alice", "A"), "70000")
	s = summaryOf(t, store, "alice")
	assertAmount(t, "summary expenses after delete", s.TotalExpenses, "0")
	assertAmount(t, "summary balance after delete", s.CurrentBalance, "0")

	want := []amqp.EventKind{amqp.EventTransactionRecorded, amqp.EventTransactionRecorded, amqp.EventTransactionDeleted}
	got := pub.kinds()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLedgerService_DeleteIsInverse(t *testing.T) {
	drafts := []struct {
		name  string
		draft core.TransactionDraft
	}{
		{"income", income("A", "1250.50", "salary")},
		{"expense", expense("A", "-99.99", "food")},
		{"transfer", transfer("A", "B", "-10.01")},
	}

	for _, tt := range drafts {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			svc := NewLedgerService(store, nil)
			seedAccounts(t, store, "alice", map[string]string{"A": "500", "B": "20"})
			before := summaryOf(t, store, "alice")

			txn, err := svc.Record(ctx, "alice", tt.draft)
			if err != nil {
				t.Fatalf("Record() error = %v", err)
			}
			if err := svc.Delete(ctx, "alice", txn.ID); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}

			assertAmount(t, "A", balanceOf(t, store, "alice", "A"), "500")
			assertAmount(t, "B", balanceOf(t, store, "alice", "B"), "20")
			after := summaryOf(t, store, "alice")
			if !after.CurrentBalance.Equal(before.CurrentBalance) ||
				!after.TotalIncome.Equal(before.TotalIncome) ||
				!after.TotalExpenses.Equal(before.TotalExpenses) {
				t.Errorf("summary = %+v, want %+v", after, before)
			}
			if _, ok, _ := store.GetTransaction(ctx, "alice", txn.ID); ok {
				t.Error("transaction still stored after delete")
			}
		})
	}
}

func TestLedgerService_RecordRejects(t *testing.T) {
	tests := []struct {
		name    string
		draft   core.TransactionDraft
		wantErr error
	}{
		{"positive expense", expense("A", "10", "food"), core.ErrInvalid},
		{"zero amount", expense("A", "0", "food"), core.ErrInvalid},
		{"three decimals", expense("A", "-1.234", "food"), core.ErrInvalid},
		{"missing category", expense("A", "-10", ""), core.ErrInvalid},
		{"transfer with category", func() core.TransactionDraft {
			d := transfer("A", "B", "-5")
			d.CategoryID = "food"
			return d
		}(), core.ErrInvalid},
		{"transfer to itself", transfer("A", "A", "-5"), core.ErrInvalid},
		{"unknown account", expense("nope", "-10", "food"), core.ErrNotFound},
		{"unknown destination", transfer("A", "nope", "-10"), core.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			pub := &recordingPublisher{}
			svc := NewLedgerService(store, pub)
			seedAccounts(t, store, "alice", map[string]string{"A": "100", "B": "0"})

			_, err := svc.Record(ctx, "alice", tt.draft)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Record() error = %v, want %v", err, tt.wantErr)
			}
			if !IsClientError(err) {
				t.Errorf("IsClientError(%v) = false, want true", err)
			}
			assertAmount(t, "A", balanceOf(t, store, "alice", "A"), "100")
			txs, _ := store.ListTransactions(ctx, "alice", storage.TransactionFilter{})
			if len(txs) != 0 {
				t.Errorf("stored %d transactions, want 0", len(txs))
			}
			if len(pub.kinds()) != 0 {
				t.Errorf("published %v, want nothing", pub.kinds())
			}
		})
	}
}

func TestLedgerService_DeleteMissing(t *testing.T) {
	store := memory.New()
	svc := NewLedgerService(store, nil)
	seedAccounts(t, store, "alice", map[string]string{"A": "100"})

	err := svc.Delete(context.Background(), "alice", "missing")
	var nf *core.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Fatalf("Delete() error = %v, want NotFoundError for missing", err)
	}
}

func TestLedgerService_OwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewLedgerService(store, nil)
	seedAccounts(t, store, "alice", map[string]string{"A": "100"})
	seedAccounts(t, store, "bob", map[string]string{"B": "100"})

	if _, err := svc.Record(ctx, "bob", expense("A", "-10", "food")); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Record() on another owner's account error = %v, want not found", err)
	}
	txn, err := svc.Record(ctx, "alice", expense("A", "-10", "food"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := svc.Delete(ctx, "bob", txn.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Delete() of another owner's transaction error = %v, want not found", err)
	}
	assertAmount(t, "alice A", balanceOf(t, store, "alice", "A"), "90")
}

func TestLedgerService_TransferIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	store := &failingStore{Store: inner, failAccount: "b"}
	svc := NewLedgerService(store, nil)
	seedAccounts(t, inner, "alice", map[string]string{"a": "100", "b": "0"})

	_, err := svc.Record(ctx, "alice", transfer("a", "b", "-40"))
	if !errors.Is(err, errInjected) {
		t.Fatalf("Record() error = %v, want injected failure", err)
	}

	assertAmount(t, "a", balanceOf(t, inner, "alice", "a"), "100")
	assertAmount(t, "b", balanceOf(t, inner, "alice", "b"), "0")
	txs, err := inner.ListTransactions(ctx, "alice", storage.TransactionFilter{})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("stored %d transactions after failed transfer, want 0", len(txs))
	}
}

func TestLedgerService_LazySummary(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewLedgerService(store, nil)
	err := store.RunAtomic(ctx, "alice", func(ctx context.Context, tx storage.Tx) error {
		return tx.PutAccount(ctx, core.Account{ID: "A", OwnerID: "alice", Name: "A", Type: core.AccountCash})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := svc.Record(ctx, "alice", income("A", "12.50", "gift")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	s := summaryOf(t, store, "alice")
	assertAmount(t, "summary income", s.TotalIncome, "12.50")
	assertAmount(t, "summary balance", s.CurrentBalance, "12.50")
}

func TestLedgerService_PublishFailureDoesNotFailRecord(t *testing.T) {
	store := memory.New()
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := NewLedgerService(store, pub)
	seedAccounts(t, store, "alice", map[string]string{"A": "10"})

	if _, err := svc.Record(context.Background(), "alice", expense("A", "-1", "food")); err != nil {
		t.Fatalf("Record() error = %v, want nil", err)
	}
	assertAmount(t, "A", balanceOf(t, store, "alice", "A"), "9")
}

// ledgerBackends opens each store the engine runs on in tests.
func ledgerBackends() []struct {
	name string
	open func(t *testing.T) storage.Store
} {
	return []struct {
		name string
		open func(t *testing.T) storage.Store
	}{
		{"memory", func(t *testing.T) storage.Store { return memory.New() }},
		{"sqlite", func(t *testing.T) storage.Store {
			s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
			if err != nil {
				t.Fatalf("sqlite.Open() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func TestLedgerService_ConcurrentExpenses(t *testing.T) {
	const n = 25

	for _, b := range ledgerBackends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			svc := NewLedgerService(store, nil)
			seedAccounts(t, store, "alice", map[string]string{"A": "100"})

			var wg sync.WaitGroup
			errs := make(chan error, n)
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := svc.Record(ctx, "alice", expense("A", "-1", "food")); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("Record() error = %v", err)
			}

			assertAmount(t, "A", balanceOf(t, store, "alice", "A"), "75")
			s := summaryOf(t, store, "alice")
			assertAmount(t, "summary expenses", s.TotalExpenses, "-25")

			report, err := NewAuditor(store, 1).Audit(ctx, "alice")
			if err != nil {
				t.Fatalf("Audit() error = %v", err)
			}
			if !report.Consistent() {
				t.Errorf("Audit() = %+v, want consistent", report)
			}
		})
	}
}

// Workers interleave records, transfers and deletes at random. Whatever the
// interleaving, stored balances must equal a replay of the surviving log.
func TestLedgerService_RandomMixedOpsReplayConsistent(t *testing.T) {
	const (
		workers = 8
		ops     = 30
	)
	accounts := []string{"A", "B", "C"}

	for _, b := range ledgerBackends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			svc := NewLedgerService(store, nil)
			seedAccounts(t, store, "alice", map[string]string{"A": "1000", "B": "250", "C": "0"})

			var wg sync.WaitGroup
			errs := make(chan error, workers*ops)
			for w := range workers {
				wg.Add(1)
				go func(seed uint64) {
					defer wg.Done()
					rng := rand.New(rand.NewPCG(seed, 42))
					var mine []string
					for range ops {
						from := accounts[rng.IntN(len(accounts))]
						cents := fmt.Sprintf("%d.%02d", 1+rng.IntN(50), rng.IntN(100))

						var err error
						switch op := rng.IntN(4); {
						case op == 3 && len(mine) > 0:
							i := rng.IntN(len(mine))
							err = svc.Delete(ctx, "alice", mine[i])
							mine = append(mine[:i], mine[i+1:]...)
						case op == 2:
							to := accounts[(slices.Index(accounts, from)+1+rng.IntN(len(accounts)-1))%len(accounts)]
							var txn core.Transaction
							txn, err = svc.Record(ctx, "alice", transfer(from, to, "-"+cents))
							mine = append(mine, txn.ID)
						case op == 1:
							var txn core.Transaction
							txn, err = svc.Record(ctx, "alice", income(from, cents, "salary"))
							mine = append(mine, txn.ID)
						default:
							var txn core.Transaction
							txn, err = svc.Record(ctx, "alice", expense(from, "-"+cents, "food"))
							mine = append(mine, txn.ID)
						}
						if err != nil {
							errs <- err
							return
						}
					}
				}(uint64(w) + 1)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("ledger op error = %v", err)
			}

			report, err := NewAuditor(store, 2).Audit(ctx, "alice")
			if err != nil {
				t.Fatalf("Audit() error = %v", err)
			}
			if !report.Consistent() {
				t.Fatalf("Audit() = %+v, want consistent", report)
			}
			if report.Transactions == 0 {
				t.Error("Audit() saw no transactions")
			}
		})
	}
}

func TestLedgerService_RecordUsesTrimmedOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	pub := &recordingPublisher{}
	svc := NewLedgerService(store, pub)
	seedAccounts(t, store, "alice", map[string]string{"A": "100"})

	txn, err := svc.Record(ctx, "  alice ", expense("A", "-10", "food"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if txn.OwnerID != "alice" {
		t.Errorf("OwnerID = %q, want alice", txn.OwnerID)
	}
	assertAmount(t, "A", balanceOf(t, store, "alice", "A"), "90")
	assertAmount(t, "summary expenses", summaryOf(t, store, "alice").TotalExpenses, "-10")
	if _, ok, _ := store.GetSummary(ctx, "  alice "); ok {
		t.Error("summary created under the untrimmed owner id")
	}
	if len(pub.events) != 1 || pub.events[0].OwnerID != "alice" {
		t.Errorf("published %+v, want one event for alice", pub.events)
	}
}

// lookupTx records the order of account lookups inside a unit.
type lookupTx struct {
	storage.Tx
	ids *[]string
}

func (tx lookupTx) GetAccount(ctx context.Context, id string) (core.Account, bool, error) {
	*tx.ids = append(*tx.ids, id)
	return tx.Tx.GetAccount(ctx, id)
}

type lookupStore struct {
	*memory.Store
	ids []string
}

func (s *lookupStore) RunAtomic(ctx context.Context, owner string, fn storage.AtomicFunc) error {
	return s.Store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		s.ids = s.ids[:0]
		return fn(ctx, lookupTx{Tx: tx, ids: &s.ids})
	})
}

func TestLedgerService_TransferLooksUpAccountsInIDOrder(t *testing.T) {
	inner := memory.New()
	store := &lookupStore{Store: inner}
	svc := NewLedgerService(store, nil)
	seedAccounts(t, inner, "alice", map[string]string{"a": "0", "b": "100"})

	if _, err := svc.Record(context.Background(), "alice", transfer("b", "a", "-40")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !slices.Equal(store.ids, []string{"a", "b"}) {
		t.Errorf("account lookups = %v, want [a b]", store.ids)
	}
	assertAmount(t, "a", balanceOf(t, inner, "alice", "a"), "40")
	assertAmount(t, "b", balanceOf(t, inner, "alice", "b"), "60")
}

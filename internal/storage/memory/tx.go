package memory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

type key struct {
	coll storage.Collection
	id   string
}

var summaryKey = key{coll: storage.CollectionSummaries}

var errMissingID = errors.New("record id is required")

// tx buffers writes and remembers the version of every record it read.
// Puts and deletes bump a record's version; balance increments do not, so
// concurrent increments to the same account commute instead of conflicting.
type tx struct {
	store   *Store
	sh      *shard
	owner   string
	reads   map[key]uint64
	ops     []func(sh *shard, ver uint64)
	changes *storage.ChangeSet

	accounts      map[string]*core.Account
	accountDeltas map[string]decimal.Decimal
	transactions  map[string]*core.Transaction
	budgets       map[string]*core.Budget
	categories    map[string]*core.Category
	summaryInit   *core.BalanceSummary
	summaryDelta  storage.SummaryDelta
}

var _ storage.Tx = (*tx)(nil)

func newTx(s *Store, sh *shard, owner string) *tx {
	return &tx{
		store:         s,
		sh:            sh,
		owner:         owner,
		reads:         make(map[key]uint64),
		changes:       storage.NewChangeSet(owner),
		accounts:      make(map[string]*core.Account),
		accountDeltas: make(map[string]decimal.Decimal),
		transactions:  make(map[string]*core.Transaction),
		budgets:       make(map[string]*core.Budget),
		categories:    make(map[string]*core.Category),
	}
}

func (t *tx) observe(k key, ver uint64) {
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = ver
	}
}

func (t *tx) commit() error {
	t.sh.mu.Lock()
	defer t.sh.mu.Unlock()
	for k, ver := range t.reads {
		if t.sh.version(k) != ver {
			return conflictOn(k)
		}
	}
	if len(t.ops) == 0 {
		return nil
	}
	t.sh.seq++
	ver := t.sh.seq
	for _, op := range t.ops {
		op(t.sh, ver)
	}
	return nil
}

func (t *tx) committedAccount(id string) (core.Account, bool) {
	t.sh.mu.RLock()
	r, ok := t.sh.accounts[id]
	t.sh.mu.RUnlock()
	t.observe(key{storage.CollectionAccounts, id}, r.ver)
	return r.val, ok
}

func (t *tx) GetAccount(ctx context.Context, id string) (core.Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Account{}, false, err
	}
	a, ok := t.committedAccount(id)
	if staged, isStaged := t.accounts[id]; isStaged {
		if staged == nil {
			return core.Account{}, false, nil
		}
		v := *staged
		if ok {
			v.InitialBalance = a.InitialBalance
			v.CurrentBalance = a.CurrentBalance
			v.CreatedAt = a.CreatedAt
		}
		a, ok = v, true
	}
	if !ok {
		return core.Account{}, false, nil
	}
	a.CurrentBalance = a.CurrentBalance.Add(t.accountDeltas[id])
	return a, true, nil
}

func (t *tx) ListAccounts(ctx context.Context) ([]core.Account, error) {
	t.sh.mu.RLock()
	ids := make([]string, 0, len(t.sh.accounts))
	for id := range t.sh.accounts {
		ids = append(ids, id)
	}
	t.sh.mu.RUnlock()
	for id := range t.accounts {
		ids = append(ids, id)
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]core.Account, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		a, ok, err := t.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	storage.SortAccounts(out)
	return out, nil
}

func (t *tx) PutAccount(_ context.Context, a core.Account) error {
	if a.ID == "" {
		return errMissingID
	}
	a.OwnerID = t.owner
	staged := a
	t.accounts[a.ID] = &staged
	t.changes.Mark(storage.CollectionAccounts)
	t.ops = append(t.ops, func(sh *shard, ver uint64) {
		v := staged
		if cur, exists := sh.accounts[v.ID]; exists {
			v.InitialBalance = cur.val.InitialBalance
			v.CurrentBalance = cur.val.CurrentBalance
			v.CreatedAt = cur.val.CreatedAt
		}
		sh.accounts[v.ID] = row[core.Account]{val: v, ver: ver}
	})
	return nil
}

func (t *tx) IncrementAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error {
	if _, ok, err := t.GetAccount(ctx, id); err != nil {
		return err
	} else if !ok {
		return notFound("account", id)
	}
	t.accountDeltas[id] = t.accountDeltas[id].Add(delta)
	t.changes.Mark(storage.CollectionAccounts)
	t.ops = append(t.ops, func(sh *shard, _ uint64) {
		cur, exists := sh.accounts[id]
		if !exists {
			return
		}
		cur.val.CurrentBalance = cur.val.CurrentBalance.Add(delta)
		cur.val.LastUpdated = at
		sh.accounts[id] = cur
	})
	return nil
}

func (t *tx) DeleteAccount(ctx context.Context, id string) error {
	if _, ok, err := t.GetAccount(ctx, id); err != nil {
		return err
	} else if !ok {
		return notFound("account", id)
	}
	t.accounts[id] = nil
	delete(t.accountDeltas, id)
	t.changes.Mark(storage.CollectionAccounts)
	t.ops = append(t.ops, func(sh *shard, _ uint64) {
		delete(sh.accounts, id)
	})
	return nil
}

func (t *tx) CountAccountReferences(ctx context.Context, accountID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.sh.mu.RLock()
	t.observe(key{refsCollection, accountID}, t.sh.refs[accountID])
	count := 0
	for id, r := range t.sh.transactions {
		if _, staged := t.transactions[id]; staged {
			continue
		}
		if r.val.Touches(accountID) {
			count++
		}
	}
	t.sh.mu.RUnlock()
	for _, staged := range t.transactions {
		if staged != nil && staged.Touches(accountID) {
			count++
		}
	}
	return count, nil
}

func (t *tx) GetSummary(ctx context.Context) (core.BalanceSummary, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.BalanceSummary{}, false, err
	}
	t.sh.mu.RLock()
	var (
		s   core.BalanceSummary
		ok  bool
		ver uint64
	)
	if t.sh.summary != nil {
		s, ok, ver = t.sh.summary.val, true, t.sh.summary.ver
	}
	t.sh.mu.RUnlock()
	t.observe(summaryKey, ver)

	if !ok && t.summaryInit != nil {
		s, ok = *t.summaryInit, true
	}
	if !ok {
		return core.BalanceSummary{}, false, nil
	}
	s.CurrentBalance = s.CurrentBalance.Add(t.summaryDelta.CurrentBalance)
	s.TotalIncome = s.TotalIncome.Add(t.summaryDelta.TotalIncome)
	s.TotalExpenses = s.TotalExpenses.Add(t.summaryDelta.TotalExpenses)
	return s, true, nil
}

func (t *tx) InitSummary(ctx context.Context, s core.BalanceSummary) error {
	if _, ok, err := t.GetSummary(ctx); err != nil || ok {
		return err
	}
	s.OwnerID = t.owner
	staged := s
	t.summaryInit = &staged
	t.changes.Mark(storage.CollectionSummaries)
	t.ops = append(t.ops, func(sh *shard, ver uint64) {
		if sh.summary == nil {
			sh.summary = &row[core.BalanceSummary]{val: staged, ver: ver}
		}
	})
	return nil
}

func (t *tx) IncrementSummary(ctx context.Context, delta storage.SummaryDelta, at time.Time) error {
	if _, ok, err := t.GetSummary(ctx); err != nil {
		return err
	} else if !ok {
		return notFound("balance summary", t.owner)
	}
	t.summaryDelta = storage.SummaryDelta{
		CurrentBalance: t.summaryDelta.CurrentBalance.Add(delta.CurrentBalance),
		TotalIncome:    t.summaryDelta.TotalIncome.Add(delta.TotalIncome),
		TotalExpenses:  t.summaryDelta.TotalExpenses.Add(delta.TotalExpenses),
	}
	t.changes.Mark(storage.CollectionSummaries)
	t.ops = append(t.ops, func(sh *shard, _ uint64) {
		if sh.summary == nil {
			return
		}
		v := &sh.summary.val
		v.CurrentBalance = v.CurrentBalance.Add(delta.CurrentBalance)
		v.TotalIncome = v.TotalIncome.Add(delta.TotalIncome)
		v.TotalExpenses = v.TotalExpenses.Add(delta.TotalExpenses)
		v.LastUpdated = at
	})
	return nil
}

func (t *tx) GetTransaction(ctx context.Context, id string) (core.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Transaction{}, false, err
	}
	if staged, isStaged := t.transactions[id]; isStaged {
		if staged == nil {
			return core.Transaction{}, false, nil
		}
		return *staged, true, nil
	}
	t.sh.mu.RLock()
	r, ok := t.sh.transactions[id]
	t.sh.mu.RUnlock()
	t.observe(key{storage.CollectionTransactions, id}, r.ver)
	return r.val, ok, nil
}

func (t *tx) InsertTransaction(ctx context.Context, txn core.Transaction) (core.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return core.Transaction{}, err
	}
	txn.ID = t.store.newID()
	txn.OwnerID = t.owner
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = t.store.now()
	}
	staged := txn
	t.transactions[txn.ID] = &staged
	t.changes.Mark(storage.CollectionTransactions)
	t.ops = append(t.ops, func(sh *shard, ver uint64) {
		sh.transactions[staged.ID] = row[core.Transaction]{val: staged, ver: ver}
		bumpRefs(sh, staged, ver)
	})
	return txn, nil
}

func (t *tx) DeleteTransaction(ctx context.Context, id string) error {
	existing, ok, err := t.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("transaction", id)
	}
	t.transactions[id] = nil
	t.changes.Mark(storage.CollectionTransactions)
	t.ops = append(t.ops, func(sh *shard, ver uint64) {
		delete(sh.transactions, id)
		bumpRefs(sh, existing, ver)
	})
	return nil
}

func bumpRefs(sh *shard, txn core.Transaction, ver uint64) {
	sh.refs[txn.AccountID] = ver
	if txn.Type == core.TypeTransfer && txn.TransferToAccountID != "" {
		sh.refs[txn.TransferToAccountID] = ver
	}
}

func (t *tx) GetBudget(ctx context.Context, id string) (core.Budget, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Budget{}, false, err
	}
	if staged, isStaged := t.budgets[id]; isStaged {
		if staged == nil {
			return core.Budget{}, false, nil
		}
		return cloneBudget(*staged), true, nil
	}
	t.sh.mu.RLock()
	r, ok := t.sh.budgets[id]
	t.sh.mu.RUnlock()
	t.observe(key{storage.CollectionBudgets, id}, r.ver)
	return cloneBudget(r.val), ok, nil
}

func (t *tx) PutBudget(_ context.Context, b core.Budget) error {
	if b.ID == "" {
		return errMissingID
	}
	b.OwnerID = t.owner
	staged := cloneBudget(b)
	t.budgets[b.ID] = &staged
	t.changes.Mark(storage.CollectionBudgets)
	t.ops = append(t.ops, func(sh *shard, ver uint64) {
		sh.budgets[staged.ID] = row[core.Budget]{val: staged, ver: ver}
	})
	return nil
}

func (t *tx) DeleteBudget(ctx context.Context, id string) error {
	if _, ok, err := t.GetBudget(ctx, id); err != nil {
		return err
	} else if !ok {
		return notFound("budget", id)
	}
	t.budgets[id] = nil
	t.changes.Mark(storage.CollectionBudgets)
	t.ops = append(t.ops, func(sh *shard, _ uint64) {
		delete(sh.budgets, id)
	})
	return nil
}

func (t *tx) PutCategory(_ context.Context, c core.Category) error {
	if c.ID == "" {
		return errMissingID
	}
	c.OwnerID = t.owner
	staged := c
	t.categories[c.ID] = &staged
	t.changes.Mark(storage.CollectionCategories)
	t.ops = append(t.ops, func(sh *shard, ver uint64) {
		sh.categories[staged.ID] = row[core.Category]{val: staged, ver: ver}
	})
	return nil
}

func (t *tx) DeleteCategory(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exists := false
	if staged, isStaged := t.categories[id]; isStaged {
		exists = staged != nil
	} else {
		t.sh.mu.RLock()
		r, ok := t.sh.categories[id]
		t.sh.mu.RUnlock()
		t.observe(key{storage.CollectionCategories, id}, r.ver)
		exists = ok
	}
	if !exists {
		return notFound("category", id)
	}
	t.categories[id] = nil
	t.changes.Mark(storage.CollectionCategories)
	t.ops = append(t.ops, func(sh *shard, _ uint64) {
		delete(sh.categories, id)
	})
	return nil
}

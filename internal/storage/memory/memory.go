// Package memory is an in-process ledger store. Each owner's records live in
// their own shard; atomic units read without locks held, buffer their writes,
// and validate the versions they observed when committing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// refsCollection versions the set of transactions referencing an account.
const refsCollection storage.Collection = "account_refs"

type row[T any] struct {
	val T
	ver uint64
}

type shard struct {
	mu           sync.RWMutex
	seq          uint64
	accounts     map[string]row[core.Account]
	transactions map[string]row[core.Transaction]
	budgets      map[string]row[core.Budget]
	categories   map[string]row[core.Category]
	summary      *row[core.BalanceSummary]
	refs         map[string]uint64
}

func newShard() *shard {
	return &shard{
		accounts:     make(map[string]row[core.Account]),
		transactions: make(map[string]row[core.Transaction]),
		budgets:      make(map[string]row[core.Budget]),
		categories:   make(map[string]row[core.Category]),
		refs:         make(map[string]uint64),
	}
}

// version returns the current version of a record, 0 when absent. Callers
// hold sh.mu.
func (sh *shard) version(k key) uint64 {
	switch k.coll {
	case storage.CollectionAccounts:
		return sh.accounts[k.id].ver
	case storage.CollectionTransactions:
		return sh.transactions[k.id].ver
	case storage.CollectionBudgets:
		return sh.budgets[k.id].ver
	case storage.CollectionCategories:
		return sh.categories[k.id].ver
	case storage.CollectionSummaries:
		if sh.summary == nil {
			return 0
		}
		return sh.summary.ver
	case refsCollection:
		return sh.refs[k.id]
	}
	return 0
}

// Store implements storage.Store in memory.
type Store struct {
	mu     sync.Mutex
	shards map[string]*shard
	hub    *storage.Hub
	policy storage.RetryPolicy
	newID  func() string
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the default conflict retry policy.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithIDGenerator overrides uuid-based id assignment.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		shards: make(map[string]*shard),
		hub:    storage.NewHub(),
		policy: storage.DefaultRetryPolicy(),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shard(owner string) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[owner]
	if !ok {
		sh = newShard()
		s.shards[owner] = sh
	}
	return sh
}

func (s *Store) lookup(owner string) (*shard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[owner]
	return sh, ok
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) Subscribe(collection storage.Collection, owner string, fn func(storage.Change)) func() {
	return s.hub.Subscribe(collection, owner, fn)
}

// RunAtomic implements storage.Store.
func (s *Store) RunAtomic(ctx context.Context, owner string, fn storage.AtomicFunc) error {
	sh := s.shard(owner)
	return storage.Retry(ctx, s.policy, "memory atomic unit", func(ctx context.Context) error {
		t := newTx(s, sh, owner)
		if err := fn(ctx, t); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.commit(); err != nil {
			return err
		}
		s.hub.Publish(t.changes.Changes()...)
		return nil
	})
}

func (s *Store) GetAccount(ctx context.Context, owner, id string) (core.Account, bool, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return core.Account{}, false, ctx.Err()
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.accounts[id]
	return r.val, ok, ctx.Err()
}

func (s *Store) ListAccounts(ctx context.Context, owner string) ([]core.Account, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return []core.Account{}, ctx.Err()
	}
	sh.mu.RLock()
	out := make([]core.Account, 0, len(sh.accounts))
	for _, r := range sh.accounts {
		out = append(out, r.val)
	}
	sh.mu.RUnlock()
	storage.SortAccounts(out)
	return out, ctx.Err()
}

func (s *Store) GetTransaction(ctx context.Context, owner, id string) (core.Transaction, bool, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return core.Transaction{}, false, ctx.Err()
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.transactions[id]
	return r.val, ok, ctx.Err()
}

func (s *Store) ListTransactions(ctx context.Context, owner string, filter storage.TransactionFilter) ([]core.Transaction, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return []core.Transaction{}, ctx.Err()
	}
	sh.mu.RLock()
	out := make([]core.Transaction, 0, len(sh.transactions))
	for _, r := range sh.transactions {
		if filter.Match(r.val) {
			out = append(out, r.val)
		}
	}
	sh.mu.RUnlock()
	storage.SortTransactions(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, ctx.Err()
}

func (s *Store) GetSummary(ctx context.Context, owner string) (core.BalanceSummary, bool, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return core.BalanceSummary{}, false, ctx.Err()
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if sh.summary == nil {
		return core.BalanceSummary{}, false, ctx.Err()
	}
	return sh.summary.val, true, ctx.Err()
}

func (s *Store) GetBudget(ctx context.Context, owner, id string) (core.Budget, bool, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return core.Budget{}, false, ctx.Err()
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.budgets[id]
	return cloneBudget(r.val), ok, ctx.Err()
}

func (s *Store) ListBudgets(ctx context.Context, owner string) ([]core.Budget, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return []core.Budget{}, ctx.Err()
	}
	sh.mu.RLock()
	out := make([]core.Budget, 0, len(sh.budgets))
	for _, r := range sh.budgets {
		out = append(out, cloneBudget(r.val))
	}
	sh.mu.RUnlock()
	storage.SortBudgets(out)
	return out, ctx.Err()
}

func (s *Store) ListCategories(ctx context.Context, owner string) ([]core.Category, error) {
	sh, ok := s.lookup(owner)
	if !ok {
		return []core.Category{}, ctx.Err()
	}
	sh.mu.RLock()
	out := make([]core.Category, 0, len(sh.categories))
	for _, r := range sh.categories {
		out = append(out, r.val)
	}
	sh.mu.RUnlock()
	storage.SortCategories(out)
	return out, ctx.Err()
}

func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	candidates := make(map[string]*shard, len(s.shards))
	for owner, sh := range s.shards {
		candidates[owner] = sh
	}
	s.mu.Unlock()

	owners := make([]string, 0, len(candidates))
	for owner, sh := range candidates {
		sh.mu.RLock()
		provisioned := sh.summary != nil || len(sh.accounts) > 0
		sh.mu.RUnlock()
		if provisioned {
			owners = append(owners, owner)
		}
	}
	sort.Strings(owners)
	return owners, ctx.Err()
}

func cloneBudget(b core.Budget) core.Budget {
	if b.CategoryIDs != nil {
		b.CategoryIDs = append([]string(nil), b.CategoryIDs...)
	}
	return b
}

func notFound(entity, id string) error {
	return &core.NotFoundError{Entity: entity, ID: id}
}

func conflictOn(k key) error {
	return fmt.Errorf("%w: %s %q changed since read", core.ErrConflict, k.coll, k.id)
}

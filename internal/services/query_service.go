package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// QueryService is the read and listen side of the ledger. It adds no
// business rules; every call forwards to the store.
type QueryService struct {
	store storage.Store
}

func NewQueryService(store storage.Store) *QueryService {
	return &QueryService{store: store}
}

func (q *QueryService) GetAccounts(ctx context.Context, owner string) ([]core.Account, error) {
	return q.store.ListAccounts(ctx, owner)
}

func (q *QueryService) GetAccount(ctx context.Context, owner, id string) (core.Account, error) {
	a, ok, err := q.store.GetAccount(ctx, owner, id)
	if err != nil {
		return core.Account{}, err
	}
	if !ok {
		return core.Account{}, &core.NotFoundError{Entity: "account", ID: id}
	}
	return a, nil
}

func (q *QueryService) GetTransactions(ctx context.Context, owner string, filter storage.TransactionFilter) ([]core.Transaction, error) {
	return q.store.ListTransactions(ctx, owner, filter)
}

func (q *QueryService) GetTransaction(ctx context.Context, owner, id string) (core.Transaction, error) {
	t, ok, err := q.store.GetTransaction(ctx, owner, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if !ok {
		return core.Transaction{}, &core.NotFoundError{Entity: "transaction", ID: id}
	}
	return t, nil
}

// GetBalanceSummary returns the owner's summary, or an all-zero one when the
// owner has not been provisioned yet.
func (q *QueryService) GetBalanceSummary(ctx context.Context, owner string) (core.BalanceSummary, error) {
	s, ok, err := q.store.GetSummary(ctx, owner)
	if err != nil {
		return core.BalanceSummary{}, err
	}
	if !ok {
		return core.NewZeroSummary(owner, time.Time{}), nil
	}
	return s, nil
}

func (q *QueryService) GetBudgets(ctx context.Context, owner string) ([]core.Budget, error) {
	return q.store.ListBudgets(ctx, owner)
}

func (q *QueryService) GetBudget(ctx context.Context, owner, id string) (core.Budget, error) {
	b, ok, err := q.store.GetBudget(ctx, owner, id)
	if err != nil {
		return core.Budget{}, err
	}
	if !ok {
		return core.Budget{}, &core.NotFoundError{Entity: "budget", ID: id}
	}
	return b, nil
}

// SubscribeAccounts calls cb with the owner's full account list now and after
// every committed change to it.
func (q *QueryService) SubscribeAccounts(ctx context.Context, owner string, cb func([]core.Account)) func() {
	return watch(ctx, q.store, storage.CollectionAccounts, owner, func(ctx context.Context) ([]core.Account, error) {
		return q.GetAccounts(ctx, owner)
	}, cb)
}

// SubscribeTransactions calls cb with the transactions matching filter now and
// after every committed change to the owner's transactions.
func (q *QueryService) SubscribeTransactions(ctx context.Context, owner string, filter storage.TransactionFilter, cb func([]core.Transaction)) func() {
	return watch(ctx, q.store, storage.CollectionTransactions, owner, func(ctx context.Context) ([]core.Transaction, error) {
		return q.GetTransactions(ctx, owner, filter)
	}, cb)
}

func (q *QueryService) SubscribeBalanceSummary(ctx context.Context, owner string, cb func(core.BalanceSummary)) func() {
	return watch(ctx, q.store, storage.CollectionSummaries, owner, func(ctx context.Context) (core.BalanceSummary, error) {
		return q.GetBalanceSummary(ctx, owner)
	}, cb)
}

func (q *QueryService) SubscribeBudgets(ctx context.Context, owner string, cb func([]core.Budget)) func() {
	return watch(ctx, q.store, storage.CollectionBudgets, owner, func(ctx context.Context) ([]core.Budget, error) {
		return q.GetBudgets(ctx, owner)
	}, cb)
}

// Reload backoff after a failed load. It resets once a load succeeds.
const (
	watchRetryMin = 100 * time.Millisecond
	watchRetryMax = 5 * time.Second
)

// watch delivers load's result to cb once up front and again after each
// change notification. Notifications that arrive while a load is running
// collapse into one reload, so cb always sees state at least as new as the
// last commit. A failed load is retried with backoff until it succeeds or a
// newer change arrives. cb runs on a dedicated goroutine, one call at a time.
// The returned function stops delivery and may be called more than once;
// watching also stops when ctx ends.
func watch[T any](ctx context.Context, store storage.Store, coll storage.Collection, owner string, load func(context.Context) (T, error), cb func(T)) func() {
	ctx, cancel := context.WithCancel(ctx)
	dirty := make(chan struct{}, 1)
	dirty <- struct{}{}

	unsubscribe := store.Subscribe(coll, owner, func(storage.Change) {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})

	go func() {
		defer unsubscribe()
		var retry time.Duration
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
			}
			v, err := load(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				retry = min(max(2*retry, watchRetryMin), watchRetryMax)
				slog.WarnContext(ctx, "Reload after change failed",
					"collection", coll,
					"owner_id", owner,
					"retry_in", retry,
					"error", err)
				timer := time.NewTimer(retry)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-dirty:
					timer.Stop()
				case <-timer.C:
				}
				select {
				case dirty <- struct{}{}:
				default:
				}
				continue
			}
			retry = 0
			cb(v)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			unsubscribe()
		})
	}
}

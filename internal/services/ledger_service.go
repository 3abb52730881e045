package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd/internal/amqp"
	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// EventPublisher receives a LedgerEvent after every committed record or
// delete. *amqp.Client implements it.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error
}

// LedgerService is the transaction engine: it applies and reverses the effect
// of transactions on account balances and the balance summary, each call as
// one atomic unit.
type LedgerService struct {
	store     storage.Store
	publisher EventPublisher
	now       func() time.Time
}

func NewLedgerService(store storage.Store, publisher EventPublisher) *LedgerService {
	return &LedgerService{
		store:     store,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// balanceMove is one account increment.
type balanceMove struct {
	accountID string
	delta     decimal.Decimal
}

// ledgerEffect is everything a transaction contributes to stored balances.
type ledgerEffect struct {
	moves   []balanceMove
	summary storage.SummaryDelta
}

// effectOf derives the balance effect of t. Transfers move money between the
// owner's own accounts, so they leave the summary untouched.
func effectOf(t core.Transaction) ledgerEffect {
	e := ledgerEffect{
		moves: []balanceMove{{accountID: t.AccountID, delta: t.Amount}},
	}
	switch t.Type {
	case core.TypeIncome:
		e.summary = storage.SummaryDelta{CurrentBalance: t.Amount, TotalIncome: t.Amount}
	case core.TypeExpense:
		e.summary = storage.SummaryDelta{CurrentBalance: t.Amount, TotalExpenses: t.Amount}
	case core.TypeTransfer:
		e.moves = append(e.moves, balanceMove{accountID: t.TransferToAccountID, delta: t.Amount.Abs()})
	}
	return e
}

func (e ledgerEffect) inverse() ledgerEffect {
	inv := ledgerEffect{summary: e.summary.Neg()}
	for _, m := range e.moves {
		inv.moves = append(inv.moves, balanceMove{accountID: m.accountID, delta: m.delta.Neg()})
	}
	return inv
}

// Record validates draft and applies it: source account, transfer
// destination, balance summary and the new transaction row commit together.
func (s *LedgerService) Record(ctx context.Context, owner string, draft core.TransactionDraft) (core.Transaction, error) {
	txn, err := core.NewTransaction(owner, draft)
	if err != nil {
		return core.Transaction{}, err
	}

	owner = txn.OwnerID

	var stored core.Transaction
	err = s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		now := s.now()
		if err := s.requireAccounts(ctx, tx, txn); err != nil {
			return err
		}
		if err := s.apply(ctx, tx, owner, effectOf(txn), now); err != nil {
			return err
		}
		txn.CreatedAt = now
		var err error
		stored, err = tx.InsertTransaction(ctx, txn)
		return err
	})
	if err != nil {
		return core.Transaction{}, fmt.Errorf("record transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction recorded",
		"owner_id", owner,
		"transaction_id", stored.ID,
		"type", stored.Type,
		"account_id", stored.AccountID,
		"amount", stored.Amount.StringFixed(2))

	s.publish(ctx, amqp.EventTransactionRecorded, stored)
	return stored, nil
}

// Delete reverses every balance effect of the transaction and removes it.
func (s *LedgerService) Delete(ctx context.Context, owner, id string) error {
	var deleted core.Transaction
	err := s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		txn, ok, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &core.NotFoundError{Entity: "transaction", ID: id}
		}
		if err := s.apply(ctx, tx, owner, effectOf(txn).inverse(), s.now()); err != nil {
			return err
		}
		if err := tx.DeleteTransaction(ctx, id); err != nil {
			return err
		}
		deleted = txn
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction deleted",
		"owner_id", owner,
		"transaction_id", id,
		"type", deleted.Type,
		"amount", deleted.Amount.StringFixed(2))

	s.publish(ctx, amqp.EventTransactionDeleted, deleted)
	return nil
}

// requireAccounts checks that every account the transaction moves exists.
// Lookups go in id order, the same order apply increments them, so stores that
// lock on read never hold one account while waiting for another in reverse.
func (s *LedgerService) requireAccounts(ctx context.Context, tx storage.Tx, t core.Transaction) error {
	type ref struct {
		entity string
		id     string
	}
	refs := []ref{{entity: "account", id: t.AccountID}}
	if t.Type == core.TypeTransfer {
		if t.TransferToAccountID == t.AccountID {
			return &core.NotFoundError{Entity: "destination account", ID: t.TransferToAccountID}
		}
		refs = append(refs, ref{entity: "destination account", id: t.TransferToAccountID})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })

	for _, r := range refs {
		if _, ok, err := tx.GetAccount(ctx, r.id); err != nil {
			return err
		} else if !ok {
			return &core.NotFoundError{Entity: r.entity, ID: r.id}
		}
	}
	return nil
}

// apply moves balances by e. Accounts are incremented in id order so units
// touching the same pair of accounts always lock them in the same order.
func (s *LedgerService) apply(ctx context.Context, tx storage.Tx, owner string, e ledgerEffect, now time.Time) error {
	moves := append([]balanceMove(nil), e.moves...)
	sort.Slice(moves, func(i, j int) bool { return moves[i].accountID < moves[j].accountID })

	for _, m := range moves {
		if err := tx.IncrementAccountBalance(ctx, m.accountID, m.delta, now); err != nil {
			return err
		}
	}

	if _, ok, err := tx.GetSummary(ctx); err != nil {
		return err
	} else if !ok {
		if err := tx.InitSummary(ctx, core.NewZeroSummary(owner, now)); err != nil {
			return err
		}
	}
	if e.summary.IsZero() {
		return nil
	}
	return tx.IncrementSummary(ctx, e.summary, now)
}

func (s *LedgerService) publish(ctx context.Context, kind amqp.EventKind, txn core.Transaction) {
	if s.publisher == nil {
		slog.DebugContext(ctx, "Event publisher not configured, skipping ledger event", "kind", kind)
		return
	}
	// The unit already committed; the event must go out even if the caller left.
	ctx = context.WithoutCancel(ctx)
	if err := s.publisher.PublishLedgerEvent(ctx, amqp.NewLedgerEvent(kind, txn)); err != nil {
		slog.ErrorContext(ctx, "Failed to publish ledger event",
			"kind", kind,
			"transaction_id", txn.ID,
			"error", err)
	}
}

// IsClientError reports whether err was caused by the request rather than the
// store, so callers should not retry it unchanged.
func IsClientError(err error) bool {
	return errors.Is(err, core.ErrInvalid) || errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrAccountInUse)
}

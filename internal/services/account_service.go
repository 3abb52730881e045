package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

const defaultAccountName = "Cash"

// AccountInput is what a caller may set when opening an account.
type AccountInput struct {
	Name           string           `json:"name"`
	Type           core.AccountType `json:"type"`
	InitialBalance string           `json:"initial_balance"`
	IsDefault      bool             `json:"is_default"`
}

// AccountPatch changes account metadata. Nil fields are left alone. Balances
// are not part of it: they only move through recorded transactions.
type AccountPatch struct {
	Name      *string           `json:"name,omitempty"`
	Type      *core.AccountType `json:"type,omitempty"`
	IsDefault *bool             `json:"is_default,omitempty"`
}

// AccountService manages the account lifecycle and owner provisioning.
type AccountService struct {
	store storage.Store
	now   func() time.Time
	newID func() string
}

func NewAccountService(store storage.Store) *AccountService {
	return &AccountService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Provision prepares a new owner: a zeroed balance summary and a default cash
// account. Calling it again for a provisioned owner changes nothing and
// returns the existing accounts.
func (s *AccountService) Provision(ctx context.Context, owner string) ([]core.Account, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		verr := &core.ValidationError{}
		verr.Add("owner_id", "required")
		return nil, verr
	}

	var (
		accounts []core.Account
		created  bool
	)
	err := s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		created = false
		now := s.now()
		if err := tx.InitSummary(ctx, core.NewZeroSummary(owner, now)); err != nil {
			return err
		}
		existing, err := tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			accounts = existing
			return nil
		}
		cash := core.Account{
			ID:             s.newID(),
			OwnerID:        owner,
			Name:           defaultAccountName,
			Type:           core.AccountCash,
			InitialBalance: decimal.Zero,
			CurrentBalance: decimal.Zero,
			CreatedAt:      now,
			LastUpdated:    now,
			IsDefault:      true,
		}
		if err := tx.PutAccount(ctx, cash); err != nil {
			return err
		}
		accounts = []core.Account{cash}
		created = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("provision owner: %w", err)
	}

	if created {
		slog.InfoContext(ctx, "Owner provisioned", "owner_id", owner)
	}
	return accounts, nil
}

// CreateAccount opens an account whose current balance starts at the initial
// balance. Marking it default clears the flag on the owner's other accounts.
func (s *AccountService) CreateAccount(ctx context.Context, owner string, in AccountInput) (core.Account, error) {
	initial := decimal.Zero
	if strings.TrimSpace(in.InitialBalance) != "" {
		amt, err := core.ParseAmount(in.InitialBalance)
		if err != nil {
			verr := &core.ValidationError{}
			verr.Add("initial_balance", err.Error())
			return core.Account{}, verr
		}
		initial = amt
	}

	now := s.now()
	acc := core.Account{
		ID:             s.newID(),
		OwnerID:        strings.TrimSpace(owner),
		Name:           strings.TrimSpace(in.Name),
		Type:           in.Type,
		InitialBalance: initial,
		CurrentBalance: initial,
		CreatedAt:      now,
		LastUpdated:    now,
		IsDefault:      in.IsDefault,
	}
	if err := acc.Validate(); err != nil {
		return core.Account{}, err
	}

	err := s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if acc.IsDefault {
			if err := clearDefault(ctx, tx, acc.ID, now); err != nil {
				return err
			}
		}
		return tx.PutAccount(ctx, acc)
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}

	slog.InfoContext(ctx, "Account created",
		"owner_id", owner,
		"account_id", acc.ID,
		"type", acc.Type,
		"initial_balance", acc.InitialBalance.StringFixed(2))
	return acc, nil
}

// UpdateAccount applies patch to the account's metadata.
func (s *AccountService) UpdateAccount(ctx context.Context, owner, id string, patch AccountPatch) (core.Account, error) {
	var updated core.Account
	err := s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		acc, ok, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &core.NotFoundError{Entity: "account", ID: id}
		}
		if patch.Name != nil {
			acc.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Type != nil {
			acc.Type = *patch.Type
		}
		if patch.IsDefault != nil {
			acc.IsDefault = *patch.IsDefault
		}
		if err := acc.Validate(); err != nil {
			return err
		}

		now := s.now()
		acc.LastUpdated = now
		if acc.IsDefault {
			if err := clearDefault(ctx, tx, acc.ID, now); err != nil {
				return err
			}
		}
		if err := tx.PutAccount(ctx, acc); err != nil {
			return err
		}
		updated = acc
		return nil
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("update account: %w", err)
	}
	return updated, nil
}

// DeleteAccount removes an account no transaction refers to. An account that
// is still the source or destination of any transaction is refused with
// core.ErrAccountInUse.
func (s *AccountService) DeleteAccount(ctx context.Context, owner, id string) error {
	err := s.store.RunAtomic(ctx, owner, func(ctx context.Context, tx storage.Tx) error {
		if _, ok, err := tx.GetAccount(ctx, id); err != nil {
			return err
		} else if !ok {
			return &core.NotFoundError{Entity: "account", ID: id}
		}
		refs, err := tx.CountAccountReferences(ctx, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("account %s has %d transactions: %w", id, refs, core.ErrAccountInUse)
		}
		return tx.DeleteAccount(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	slog.InfoContext(ctx, "Account deleted", "owner_id", owner, "account_id", id)
	return nil
}

// clearDefault unsets the default flag on every account except keep.
func clearDefault(ctx context.Context, tx storage.Tx, keep string, now time.Time) error {
	accounts, err := tx.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a.ID == keep || !a.IsDefault {
			continue
		}
		a.IsDefault = false
		a.LastUpdated = now
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

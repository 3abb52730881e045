package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// tx reads records it depends on with row locks. Accounts are read FOR NO KEY
// UPDATE: the unit goes on to increment the same row, and a shared lock there
// would let two units each wait on the other's upgrade. Records the unit is
// about to replace or remove are read FOR UPDATE.
type tx struct {
	q       pgx.Tx
	store   *Store
	owner   string
	changes *storage.ChangeSet
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(op, err)
	}
	return tag.RowsAffected(), nil
}

func (t *tx) GetAccount(ctx context.Context, id string) (core.Account, bool, error) {
	return getOne(ctx, t.q, "get account", scanAccount,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 AND id = $2 FOR NO KEY UPDATE`, t.owner, id)
}

func (t *tx) ListAccounts(ctx context.Context) ([]core.Account, error) {
	return collect(ctx, t.q, "list accounts", scanAccount,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY name ASC, id ASC`, t.owner)
}

func (t *tx) PutAccount(ctx context.Context, a core.Account) error {
	_, err := t.exec(ctx, "put account", `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			is_default = EXCLUDED.is_default,
			last_updated = EXCLUDED.last_updated
		WHERE accounts.owner_id = EXCLUDED.owner_id`,
		a.ID, t.owner, a.Name, string(a.Type),
		core.ToMinorUnits(a.InitialBalance), core.ToMinorUnits(a.CurrentBalance),
		a.IsDefault, a.CreatedAt.UTC(), a.LastUpdated.UTC())
	if err != nil {
		return err
	}
	t.changes.Mark(storage.CollectionAccounts)
	return nil
}

func (t *tx) IncrementAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error {
	n, err := t.exec(ctx, "increment account balance", `
		UPDATE accounts
		SET current_balance_cents = current_balance_cents + $1, last_updated = $2
		WHERE owner_id = $3 AND id = $4`,
		core.ToMinorUnits(delta), at.UTC(), t.owner, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "account", ID: id}
	}
	t.changes.Mark(storage.CollectionAccounts)
	return nil
}

func (t *tx) DeleteAccount(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "delete account",
		`DELETE FROM accounts WHERE owner_id = $1 AND id = $2`, t.owner, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "account", ID: id}
	}
	t.changes.Mark(storage.CollectionAccounts)
	return nil
}

// CountAccountReferences locks the account row first. Units recording against
// the account hold a row lock on it, so the count runs only after they finish
// and sees their rows.
func (t *tx) CountAccountReferences(ctx context.Context, accountID string) (int, error) {
	if _, err := t.exec(ctx, "lock account",
		`SELECT 1 FROM accounts WHERE owner_id = $1 AND id = $2 FOR UPDATE`, t.owner, accountID); err != nil {
		return 0, err
	}

	var count int
	err := t.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE owner_id = $1 AND (account_id = $2 OR (type = 'transfer' AND transfer_to_account_id = $2))`,
		t.owner, accountID).Scan(&count)
	if err != nil {
		return 0, classify("count account references", err)
	}
	return count, nil
}

func (t *tx) GetSummary(ctx context.Context) (core.BalanceSummary, bool, error) {
	return getOne(ctx, t.q, "get summary", scanSummary,
		`SELECT `+summaryColumns+` FROM balance_summaries WHERE owner_id = $1`, t.owner)
}

func (t *tx) InitSummary(ctx context.Context, s core.BalanceSummary) error {
	n, err := t.exec(ctx, "init summary", `
		INSERT INTO balance_summaries (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id) DO NOTHING`,
		t.owner, core.ToMinorUnits(s.CurrentBalance), core.ToMinorUnits(s.TotalIncome),
		core.ToMinorUnits(s.TotalExpenses), s.LastUpdated.UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		t.changes.Mark(storage.CollectionSummaries)
	}
	return nil
}

func (t *tx) IncrementSummary(ctx context.Context, delta storage.SummaryDelta, at time.Time) error {
	n, err := t.exec(ctx, "increment summary", `
		UPDATE balance_summaries
		SET current_balance_cents = current_balance_cents + $1,
			total_income_cents = total_income_cents + $2,
			total_expenses_cents = total_expenses_cents + $3,
			last_updated = $4
		WHERE owner_id = $5`,
		core.ToMinorUnits(delta.CurrentBalance), core.ToMinorUnits(delta.TotalIncome),
		core.ToMinorUnits(delta.TotalExpenses), at.UTC(), t.owner)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "balance summary", ID: t.owner}
	}
	t.changes.Mark(storage.CollectionSummaries)
	return nil
}

func (t *tx) GetTransaction(ctx context.Context, id string) (core.Transaction, bool, error) {
	return getOne(ctx, t.q, "get transaction", scanTransaction,
		`SELECT `+transactionColumns+` FROM transactions WHERE owner_id = $1 AND id = $2 FOR UPDATE`, t.owner, id)
}

func (t *tx) InsertTransaction(ctx context.Context, txn core.Transaction) (core.Transaction, error) {
	txn.ID = t.store.newID()
	txn.OwnerID = t.owner
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = t.store.now()
	}
	_, err := t.exec(ctx, "insert transaction", `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, txn.OwnerID, txn.AccountID, core.ToMinorUnits(txn.Amount), txn.Description,
		string(txn.Type), txn.CategoryID, txn.Date.UTC(), txn.Detail,
		txn.TransferToAccountID, txn.CreatedAt.UTC())
	if err != nil {
		return core.Transaction{}, err
	}
	t.changes.Mark(storage.CollectionTransactions)
	return txn, nil
}

func (t *tx) DeleteTransaction(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "delete transaction",
		`DELETE FROM transactions WHERE owner_id = $1 AND id = $2`, t.owner, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "transaction", ID: id}
	}
	t.changes.Mark(storage.CollectionTransactions)
	return nil
}

func (t *tx) GetBudget(ctx context.Context, id string) (core.Budget, bool, error) {
	return getOne(ctx, t.q, "get budget", scanBudget,
		`SELECT `+budgetColumns+` FROM budgets WHERE owner_id = $1 AND id = $2 FOR UPDATE`, t.owner, id)
}

func (t *tx) PutBudget(ctx context.Context, b core.Budget) error {
	categoryIDs := b.CategoryIDs
	if categoryIDs == nil {
		categoryIDs = []string{}
	}
	_, err := t.exec(ctx, "put budget", `
		INSERT INTO budgets (`+budgetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			amount_cents = EXCLUDED.amount_cents,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			frequency = EXCLUDED.frequency,
			category_ids = EXCLUDED.category_ids,
			is_active = EXCLUDED.is_active,
			last_updated = EXCLUDED.last_updated
		WHERE budgets.owner_id = EXCLUDED.owner_id`,
		b.ID, t.owner, b.Name, core.ToMinorUnits(b.Amount), b.StartDate.UTC(), b.EndDate.UTC(),
		string(b.Frequency), categoryIDs, b.IsActive, b.CreatedAt.UTC(), b.LastUpdated.UTC())
	if err != nil {
		return err
	}
	t.changes.Mark(storage.CollectionBudgets)
	return nil
}

func (t *tx) DeleteBudget(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "delete budget",
		`DELETE FROM budgets WHERE owner_id = $1 AND id = $2`, t.owner, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "budget", ID: id}
	}
	t.changes.Mark(storage.CollectionBudgets)
	return nil
}

func (t *tx) PutCategory(ctx context.Context, c core.Category) error {
	_, err := t.exec(ctx, "put category", `
		INSERT INTO categories (`+categoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			icon = EXCLUDED.icon,
			color = EXCLUDED.color
		WHERE categories.owner_id = EXCLUDED.owner_id`,
		c.ID, t.owner, c.Name, string(c.Type), c.Icon, c.Color)
	if err != nil {
		return err
	}
	t.changes.Mark(storage.CollectionCategories)
	return nil
}

func (t *tx) DeleteCategory(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "delete category",
		`DELETE FROM categories WHERE owner_id = $1 AND id = $2`, t.owner, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "category", ID: id}
	}
	t.changes.Mark(storage.CollectionCategories)
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

type tx struct {
	q       *sql.Tx
	store   *Store
	owner   string
	changes *storage.ChangeSet
}

var _ storage.Tx = (*tx)(nil)

func (t *tx) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

func (t *tx) GetAccount(ctx context.Context, id string) (core.Account, bool, error) {
	return getAccount(ctx, t.q, t.owner, id)
}

func (t *tx) ListAccounts(ctx context.Context) ([]core.Account, error) {
	return listAccounts(ctx, t.q, t.owner)
}

func (t *tx) PutAccount(ctx context.Context, a core.Account) error {
	_, err := t.exec(ctx, "put account", `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			is_default = excluded.is_default,
			last_updated = excluded.last_updated
		WHERE accounts.owner_id = excluded.owner_id`,
		a.ID, t.owner, a.Name, string(a.Type),
		core.ToMinorUnits(a.InitialBalance), core.ToMinorUnits(a.CurrentBalance),
		boolInt(a.IsDefault), formatTime(a.CreatedAt), formatTime(a.LastUpdated))
	if err != nil {
		return err
	}
	t.changes.Mark(storage.CollectionAccounts)
	return nil
}

func (t *tx) IncrementAccountBalance(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error {
	n, err := t.exec(ctx, "increment account balance", `
		UPDATE accounts
		SET current_balance_cents = current_balance_cents + ?, last_updated = ?
		WHERE owner_id = ? AND id = ?`,
		core.ToMinorUnits(delta), formatTime(at), t.owner, id)
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
		`DELETE FROM accounts WHERE owner_id = ? AND id = ?`, t.owner, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "account", ID: id}
	}
	t.changes.Mark(storage.CollectionAccounts)
	return nil
}

func (t *tx) CountAccountReferences(ctx context.Context, accountID string) (int, error) {
	var count int
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE owner_id = ? AND (account_id = ? OR (type = 'transfer' AND transfer_to_account_id = ?))`,
		t.owner, accountID, accountID).Scan(&count)
	if err != nil {
		return 0, classify("count account references", err)
	}
	return count, nil
}

func (t *tx) GetSummary(ctx context.Context) (core.BalanceSummary, bool, error) {
	return getSummary(ctx, t.q, t.owner)
}

func (t *tx) InitSummary(ctx context.Context, s core.BalanceSummary) error {
	n, err := t.exec(ctx, "init summary", `
		INSERT INTO balance_summaries (`+summaryColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id) DO NOTHING`,
		t.owner, core.ToMinorUnits(s.CurrentBalance), core.ToMinorUnits(s.TotalIncome),
		core.ToMinorUnits(s.TotalExpenses), formatTime(s.LastUpdated))
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
		SET current_balance_cents = current_balance_cents + ?,
			total_income_cents = total_income_cents + ?,
			total_expenses_cents = total_expenses_cents + ?,
			last_updated = ?
		WHERE owner_id = ?`,
		core.ToMinorUnits(delta.CurrentBalance), core.ToMinorUnits(delta.TotalIncome),
		core.ToMinorUnits(delta.TotalExpenses), formatTime(at), t.owner)
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
	return getTransaction(ctx, t.q, t.owner, id)
}

func (t *tx) InsertTransaction(ctx context.Context, txn core.Transaction) (core.Transaction, error) {
	txn.ID = t.store.newID()
	txn.OwnerID = t.owner
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = t.store.now()
	}
	_, err := t.exec(ctx, "insert transaction", `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.OwnerID, txn.AccountID, core.ToMinorUnits(txn.Amount), txn.Description,
		string(txn.Type), txn.CategoryID, formatTime(txn.Date), txn.Detail,
		txn.TransferToAccountID, formatTime(txn.CreatedAt))
	if err != nil {
		return core.Transaction{}, err
	}
	t.changes.Mark(storage.CollectionTransactions)
	return txn, nil
}

func (t *tx) DeleteTransaction(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "delete transaction",
		`DELETE FROM transactions WHERE owner_id = ? AND id = ?`, t.owner, id)
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
	return getBudget(ctx, t.q, t.owner, id)
}

func (t *tx) PutBudget(ctx context.Context, b core.Budget) error {
	categoryIDs, err := encodeCategoryIDs(b.CategoryIDs)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, "put budget", `
		INSERT INTO budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			amount_cents = excluded.amount_cents,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			frequency = excluded.frequency,
			category_ids = excluded.category_ids,
			is_active = excluded.is_active,
			last_updated = excluded.last_updated
		WHERE budgets.owner_id = excluded.owner_id`,
		b.ID, t.owner, b.Name, core.ToMinorUnits(b.Amount), formatTime(b.StartDate),
		formatTime(b.EndDate), string(b.Frequency), categoryIDs, boolInt(b.IsActive),
		formatTime(b.CreatedAt), formatTime(b.LastUpdated))
	if err != nil {
		return err
	}
	t.changes.Mark(storage.CollectionBudgets)
	return nil
}

func (t *tx) DeleteBudget(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "delete budget",
		`DELETE FROM budgets WHERE owner_id = ? AND id = ?`, t.owner, id)
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
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			icon = excluded.icon,
			color = excluded.color
		WHERE categories.owner_id = excluded.owner_id`,
		c.ID, t.owner, c.Name, string(c.Type), c.Icon, c.Color)
	if err != nil {
		return err
	}
	t.changes.Mark(storage.CollectionCategories)
	return nil
}

func (t *tx) DeleteCategory(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "delete category",
		`DELETE FROM categories WHERE owner_id = ? AND id = ?`, t.owner, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Entity: "category", ID: id}
	}
	t.changes.Mark(storage.CollectionCategories)
	return nil
}

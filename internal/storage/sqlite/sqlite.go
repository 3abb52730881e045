// Package sqlite is the embedded ledger store. Atomic units are SQLite
// transactions opened with BEGIN IMMEDIATE, balances are integer cents moved
// with in-place UPDATE increments, and lock contention is retried as a
// conflict.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	hub    *storage.Hub
	policy storage.RetryPolicy
	newID  func() string
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// DSN builds the connection string used by the store and its migrations.
func DSN(dbPath string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
}

// Open creates the database directory if needed, connects, and migrates.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:     db,
		hub:    storage.NewHub(),
		policy: storage.DefaultRetryPolicy(),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	slog.InfoContext(ctx, "SQLite ledger store ready", "db_path", dbPath)
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Subscribe(collection storage.Collection, owner string, fn func(storage.Change)) func() {
	return s.hub.Subscribe(collection, owner, fn)
}

// RunAtomic implements storage.Store.
func (s *Store) RunAtomic(ctx context.Context, owner string, fn storage.AtomicFunc) error {
	return storage.Retry(ctx, s.policy, "sqlite atomic unit", func(ctx context.Context) error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("begin", err)
		}
		t := &tx{q: sqlTx, store: s, owner: owner, changes: storage.NewChangeSet(owner)}
		if err := fn(ctx, t); err != nil {
			_ = sqlTx.Rollback()
			return classify("atomic unit", err)
		}
		if err := sqlTx.Commit(); err != nil {
			return classify("commit", err)
		}
		s.hub.Publish(t.changes.Changes()...)
		return nil
	})
}

// classify turns SQLite lock contention into a retryable conflict and driver
// failures into StoreUnavailableError. Domain errors pass through.
func classify(op string, err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s: %v", core.ErrConflict, op, err)
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_INTERRUPT:
			return &core.StoreUnavailableError{Op: op, Err: err}
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return &core.StoreUnavailableError{Op: op, Err: err}
	}
	return err
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, owner_id, name, type, initial_balance_cents, current_balance_cents, is_default, created_at, last_updated`

func scanAccount(sc scanner) (core.Account, error) {
	var (
		a                    core.Account
		initial, current     int64
		isDefault            int64
		createdAt, updatedAt string
		accountType          string
	)
	if err := sc.Scan(&a.ID, &a.OwnerID, &a.Name, &accountType, &initial, &current, &isDefault, &createdAt, &updatedAt); err != nil {
		return core.Account{}, err
	}
	a.Type = core.AccountType(accountType)
	a.InitialBalance = core.FromMinorUnits(initial)
	a.CurrentBalance = core.FromMinorUnits(current)
	a.IsDefault = isDefault != 0
	a.CreatedAt = parseTime(createdAt)
	a.LastUpdated = parseTime(updatedAt)
	return a, nil
}

const transactionColumns = `id, owner_id, account_id, amount_cents, description, type, category_id, date, detail, transfer_to_account_id, created_at`

func scanTransaction(sc scanner) (core.Transaction, error) {
	var (
		t               core.Transaction
		amount          int64
		txType          string
		date, createdAt string
	)
	if err := sc.Scan(&t.ID, &t.OwnerID, &t.AccountID, &amount, &t.Description, &txType, &t.CategoryID, &date, &t.Detail, &t.TransferToAccountID, &createdAt); err != nil {
		return core.Transaction{}, err
	}
	t.Amount = core.FromMinorUnits(amount)
	t.Type = core.TransactionType(txType)
	t.Date = parseTime(date)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

const summaryColumns = `owner_id, current_balance_cents, total_income_cents, total_expenses_cents, last_updated`

func scanSummary(sc scanner) (core.BalanceSummary, error) {
	var (
		s                        core.BalanceSummary
		current, income, expense int64
		updatedAt                string
	)
	if err := sc.Scan(&s.OwnerID, &current, &income, &expense, &updatedAt); err != nil {
		return core.BalanceSummary{}, err
	}
	s.CurrentBalance = core.FromMinorUnits(current)
	s.TotalIncome = core.FromMinorUnits(income)
	s.TotalExpenses = core.FromMinorUnits(expense)
	s.LastUpdated = parseTime(updatedAt)
	return s, nil
}

const budgetColumns = `id, owner_id, name, amount_cents, start_date, end_date, frequency, category_ids, is_active, created_at, last_updated`

func scanBudget(sc scanner) (core.Budget, error) {
	var (
		b                    core.Budget
		amount               int64
		start, end           string
		frequency            string
		categoryIDs          string
		isActive             int64
		createdAt, updatedAt string
	)
	if err := sc.Scan(&b.ID, &b.OwnerID, &b.Name, &amount, &start, &end, &frequency, &categoryIDs, &isActive, &createdAt, &updatedAt); err != nil {
		return core.Budget{}, err
	}
	b.Amount = core.FromMinorUnits(amount)
	b.StartDate = parseTime(start)
	b.EndDate = parseTime(end)
	b.Frequency = core.BudgetFrequency(frequency)
	if err := json.Unmarshal([]byte(categoryIDs), &b.CategoryIDs); err != nil {
		return core.Budget{}, fmt.Errorf("decode category ids of budget %s: %w", b.ID, err)
	}
	b.IsActive = isActive != 0
	b.CreatedAt = parseTime(createdAt)
	b.LastUpdated = parseTime(updatedAt)
	return b, nil
}

const categoryColumns = `id, owner_id, name, type, icon, color`

func scanCategory(sc scanner) (core.Category, error) {
	var (
		c       core.Category
		catType string
	)
	if err := sc.Scan(&c.ID, &c.OwnerID, &c.Name, &catType, &c.Icon, &c.Color); err != nil {
		return core.Category{}, err
	}
	c.Type = core.TransactionType(catType)
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func encodeCategoryIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode category ids: %w", err)
	}
	return string(b), nil
}

func getAccount(ctx context.Context, q queryer, owner, id string) (core.Account, bool, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = ? AND id = ?`, owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, false, nil
	}
	if err != nil {
		return core.Account{}, false, classify("get account", err)
	}
	return a, true, nil
}

func listAccounts(ctx context.Context, q queryer, owner string) ([]core.Account, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = ? ORDER BY name ASC, id ASC`, owner)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	out := []core.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func getSummary(ctx context.Context, q queryer, owner string) (core.BalanceSummary, bool, error) {
	s, err := scanSummary(q.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM balance_summaries WHERE owner_id = ?`, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return core.BalanceSummary{}, false, nil
	}
	if err != nil {
		return core.BalanceSummary{}, false, classify("get summary", err)
	}
	return s, true, nil
}

func getTransaction(ctx context.Context, q queryer, owner, id string) (core.Transaction, bool, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE owner_id = ? AND id = ?`, owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, false, nil
	}
	if err != nil {
		return core.Transaction{}, false, classify("get transaction", err)
	}
	return t, true, nil
}

func getBudget(ctx context.Context, q queryer, owner, id string) (core.Budget, bool, error) {
	b, err := scanBudget(q.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE owner_id = ? AND id = ?`, owner, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Budget{}, false, nil
	}
	if err != nil {
		return core.Budget{}, false, classify("get budget", err)
	}
	return b, true, nil
}

func (s *Store) GetAccount(ctx context.Context, owner, id string) (core.Account, bool, error) {
	return getAccount(ctx, s.db, owner, id)
}

func (s *Store) ListAccounts(ctx context.Context, owner string) ([]core.Account, error) {
	return listAccounts(ctx, s.db, owner)
}

func (s *Store) GetTransaction(ctx context.Context, owner, id string) (core.Transaction, bool, error) {
	return getTransaction(ctx, s.db, owner, id)
}

func (s *Store) ListTransactions(ctx context.Context, owner string, filter storage.TransactionFilter) ([]core.Transaction, error) {
	conds := []string{"owner_id = ?"}
	args := []any{owner}

	if filter.AccountID != "" {
		conds = append(conds, "(account_id = ? OR (type = 'transfer' AND transfer_to_account_id = ?))")
		args = append(args, filter.AccountID, filter.AccountID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.CategoryID != "" {
		conds = append(conds, "category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "date >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "date <= ?")
		args = append(args, formatTime(filter.To))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY date DESC, created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	out := []core.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetSummary(ctx context.Context, owner string) (core.BalanceSummary, bool, error) {
	return getSummary(ctx, s.db, owner)
}

func (s *Store) GetBudget(ctx context.Context, owner, id string) (core.Budget, bool, error) {
	return getBudget(ctx, s.db, owner, id)
}

func (s *Store) ListBudgets(ctx context.Context, owner string) ([]core.Budget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE owner_id = ? ORDER BY start_date DESC, id ASC`, owner)
	if err != nil {
		return nil, classify("list budgets", err)
	}
	defer rows.Close()

	out := []core.Budget{}
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListCategories(ctx context.Context, owner string) ([]core.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE owner_id = ? ORDER BY name ASC, id ASC`, owner)
	if err != nil {
		return nil, classify("list categories", err)
	}
	defer rows.Close()

	out := []core.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id FROM balance_summaries UNION SELECT owner_id FROM accounts ORDER BY 1`)
	if err != nil {
		return nil, classify("list owners", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

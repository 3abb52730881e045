// Package postgres is the shared ledger store for multi-process deployments.
// Atomic units run at READ COMMITTED with row locks on the records they
// depend on, balances are BIGINT cents moved by in-place increments, and
// serialization failures and deadlocks are retried as conflicts.
//
// Committed changes are announced with pg_notify on the ledger_changes
// channel, so every process sharing the database sees them. Subscribers are
// fed by a background LISTEN connection.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

const notifyChannel = "ledger_changes"

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	hub    *storage.Hub
	policy storage.RetryPolicy
	newID  func() string
	now    func() time.Time

	stopListener context.CancelFunc
	listenerDone chan struct{}
	closeOnce    sync.Once
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// Open connects, migrates, and starts the change listener.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		pool:         pool,
		hub:          storage.NewHub(),
		policy:       storage.DefaultRetryPolicy(),
		newID:        uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
		listenerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.stopListener = cancel
	go s.listen(listenCtx)

	slog.InfoContext(ctx, "PostgreSQL ledger store ready")
	return s, nil
}

// Close stops the listener and closes the pool.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.stopListener()
		<-s.listenerDone
		s.pool.Close()
	})
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Subscribe implements storage.Store. Delivery happens on the listener
// goroutine shortly after commit.
func (s *Store) Subscribe(collection storage.Collection, owner string, fn func(storage.Change)) func() {
	return s.hub.Subscribe(collection, owner, fn)
}

// RunAtomic implements storage.Store.
func (s *Store) RunAtomic(ctx context.Context, owner string, fn storage.AtomicFunc) error {
	return storage.Retry(ctx, s.policy, "postgres atomic unit", func(ctx context.Context) error {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(pgTx pgx.Tx) error {
			t := &tx{q: pgTx, store: s, owner: owner, changes: storage.NewChangeSet(owner)}
			if err := fn(ctx, t); err != nil {
				return err
			}
			for _, c := range t.changes.Changes() {
				if _, err := pgTx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, encodeChange(c)); err != nil {
					return fmt.Errorf("notify %s: %w", c.Collection, err)
				}
			}
			return nil
		})
		return classify("atomic unit", err)
	})
}

// classify turns serialization failures and deadlocks into retryable
// conflicts and connection failures into StoreUnavailableError. Domain errors
// and context errors pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %s: %v", core.ErrConflict, op, err)
		case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown, pgerrcode.CannotConnectNow,
			pgerrcode.TooManyConnections, pgerrcode.DiskFull, pgerrcode.ReadOnlySQLTransaction:
			return &core.StoreUnavailableError{Op: op, Err: err}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) {
		return &core.StoreUnavailableError{Op: op, Err: err}
	}
	return err
}

func encodeChange(c storage.Change) string {
	return string(c.Collection) + ":" + c.OwnerID
}

func decodeChange(payload string) (storage.Change, bool) {
	coll, owner, ok := strings.Cut(payload, ":")
	if !ok || owner == "" || !storage.Collection(coll).Valid() {
		return storage.Change{}, false
	}
	return storage.Change{Collection: storage.Collection(coll), OwnerID: owner}, true
}

func (s *Store) listen(ctx context.Context) {
	defer close(s.listenerDone)

	backoff := time.Second
	for {
		listening, err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if listening {
			backoff = time.Second
		}
		slog.Warn("Change listener disconnected, reconnecting",
			"error", err,
			"backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// listenOnce holds one connection in LISTEN until it fails or ctx ends. It
// reports whether LISTEN was established.
func (s *Store) listenOnce(ctx context.Context) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listener connection: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := conn.Exec(cleanupCtx, "UNLISTEN *"); err != nil {
			conn.Conn().Close(cleanupCtx)
		}
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	slog.Debug("Listening for ledger changes", "channel", notifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		c, ok := decodeChange(n.Payload)
		if !ok {
			slog.Warn("Ignoring malformed change notification", "payload", n.Payload)
			continue
		}
		s.hub.Publish(c)
	}
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `id, owner_id, name, type, initial_balance_cents, current_balance_cents, is_default, created_at, last_updated`

func scanAccount(row pgx.Row) (core.Account, error) {
	var (
		a                core.Account
		initial, current int64
		accountType      string
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &accountType, &initial, &current, &a.IsDefault, &a.CreatedAt, &a.LastUpdated); err != nil {
		return core.Account{}, err
	}
	a.Type = core.AccountType(accountType)
	a.InitialBalance = core.FromMinorUnits(initial)
	a.CurrentBalance = core.FromMinorUnits(current)
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastUpdated = a.LastUpdated.UTC()
	return a, nil
}

const transactionColumns = `id, owner_id, account_id, amount_cents, description, type, category_id, date, detail, transfer_to_account_id, created_at`

func scanTransaction(row pgx.Row) (core.Transaction, error) {
	var (
		t      core.Transaction
		amount int64
		txType string
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.AccountID, &amount, &t.Description, &txType, &t.CategoryID, &t.Date, &t.Detail, &t.TransferToAccountID, &t.CreatedAt); err != nil {
		return core.Transaction{}, err
	}
	t.Amount = core.FromMinorUnits(amount)
	t.Type = core.TransactionType(txType)
	t.Date = t.Date.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

const summaryColumns = `owner_id, current_balance_cents, total_income_cents, total_expenses_cents, last_updated`

func scanSummary(row pgx.Row) (core.BalanceSummary, error) {
	var (
		s                        core.BalanceSummary
		current, income, expense int64
	)
	if err := row.Scan(&s.OwnerID, &current, &income, &expense, &s.LastUpdated); err != nil {
		return core.BalanceSummary{}, err
	}
	s.CurrentBalance = core.FromMinorUnits(current)
	s.TotalIncome = core.FromMinorUnits(income)
	s.TotalExpenses = core.FromMinorUnits(expense)
	s.LastUpdated = s.LastUpdated.UTC()
	return s, nil
}

const budgetColumns = `id, owner_id, name, amount_cents, start_date, end_date, frequency, category_ids, is_active, created_at, last_updated`

func scanBudget(row pgx.Row) (core.Budget, error) {
	var (
		b         core.Budget
		amount    int64
		frequency string
	)
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &amount, &b.StartDate, &b.EndDate, &frequency, &b.CategoryIDs, &b.IsActive, &b.CreatedAt, &b.LastUpdated); err != nil {
		return core.Budget{}, err
	}
	b.Amount = core.FromMinorUnits(amount)
	b.Frequency = core.BudgetFrequency(frequency)
	b.StartDate = b.StartDate.UTC()
	b.EndDate = b.EndDate.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.LastUpdated = b.LastUpdated.UTC()
	return b, nil
}

const categoryColumns = `id, owner_id, name, type, icon, color`

func scanCategory(row pgx.Row) (core.Category, error) {
	var (
		c       core.Category
		catType string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &catType, &c.Icon, &c.Color); err != nil {
		return core.Category{}, err
	}
	c.Type = core.TransactionType(catType)
	return c, nil
}

// getOne runs a single-row query, reporting pgx.ErrNoRows as absence.
func getOne[T any](ctx context.Context, q queryer, op string, scan func(pgx.Row) (T, error), query string, args ...any) (T, bool, error) {
	v, err := scan(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, classify(op, err)
	}
	return v, true, nil
}

func collect[T any](ctx context.Context, q queryer, op string, scan func(pgx.Row) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, owner, id string) (core.Account, bool, error) {
	return getOne(ctx, s.pool, "get account", scanAccount,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 AND id = $2`, owner, id)
}

func (s *Store) ListAccounts(ctx context.Context, owner string) ([]core.Account, error) {
	return collect(ctx, s.pool, "list accounts", scanAccount,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY name ASC, id ASC`, owner)
}

func (s *Store) GetTransaction(ctx context.Context, owner, id string) (core.Transaction, bool, error) {
	return getOne(ctx, s.pool, "get transaction", scanTransaction,
		`SELECT `+transactionColumns+` FROM transactions WHERE owner_id = $1 AND id = $2`, owner, id)
}

func (s *Store) ListTransactions(ctx context.Context, owner string, filter storage.TransactionFilter) ([]core.Transaction, error) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	conds := []string{"owner_id = " + arg(owner)}
	if filter.AccountID != "" {
		p := arg(filter.AccountID)
		conds = append(conds, "(account_id = "+p+" OR (type = 'transfer' AND transfer_to_account_id = "+p+"))")
	}
	if filter.Type != "" {
		conds = append(conds, "type = "+arg(string(filter.Type)))
	}
	if filter.CategoryID != "" {
		conds = append(conds, "category_id = "+arg(filter.CategoryID))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "date >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "date <= "+arg(filter.To))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY date DESC, created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	return collect(ctx, s.pool, "list transactions", scanTransaction, query, args...)
}

func (s *Store) GetSummary(ctx context.Context, owner string) (core.BalanceSummary, bool, error) {
	return getOne(ctx, s.pool, "get summary", scanSummary,
		`SELECT `+summaryColumns+` FROM balance_summaries WHERE owner_id = $1`, owner)
}

func (s *Store) GetBudget(ctx context.Context, owner, id string) (core.Budget, bool, error) {
	return getOne(ctx, s.pool, "get budget", scanBudget,
		`SELECT `+budgetColumns+` FROM budgets WHERE owner_id = $1 AND id = $2`, owner, id)
}

func (s *Store) ListBudgets(ctx context.Context, owner string) ([]core.Budget, error) {
	return collect(ctx, s.pool, "list budgets", scanBudget,
		`SELECT `+budgetColumns+` FROM budgets WHERE owner_id = $1 ORDER BY start_date DESC, id ASC`, owner)
}

func (s *Store) ListCategories(ctx context.Context, owner string) ([]core.Category, error) {
	return collect(ctx, s.pool, "list categories", scanCategory,
		`SELECT `+categoryColumns+` FROM categories WHERE owner_id = $1 ORDER BY name ASC, id ASC`, owner)
}

func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	return collect(ctx, s.pool, "list owners", func(row pgx.Row) (string, error) {
		var owner string
		err := row.Scan(&owner)
		return owner, err
	}, `SELECT owner_id FROM balance_summaries UNION SELECT owner_id FROM accounts ORDER BY 1`)
}

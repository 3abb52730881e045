package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// Replay recomputes balances from scratch: every account starts at its
// initial balance and the summary at zero, then each transaction's effect is
// applied. Transactions naming an account not in accounts are returned as
// orphans and still contribute to the summary.
func Replay(owner string, accounts []core.Account, txs []core.Transaction) (balances map[string]decimal.Decimal, summary core.BalanceSummary, orphans []string) {
	balances = make(map[string]decimal.Decimal, len(accounts))
	for _, a := range accounts {
		balances[a.ID] = a.InitialBalance
	}
	summary = core.NewZeroSummary(owner, time.Time{})

	for _, t := range txs {
		e := effectOf(t)
		orphan := false
		for _, m := range e.moves {
			cur, ok := balances[m.accountID]
			if !ok {
				orphan = true
				continue
			}
			balances[m.accountID] = cur.Add(m.delta)
		}
		if orphan {
			orphans = append(orphans, t.ID)
		}
		summary.CurrentBalance = summary.CurrentBalance.Add(e.summary.CurrentBalance)
		summary.TotalIncome = summary.TotalIncome.Add(e.summary.TotalIncome)
		summary.TotalExpenses = summary.TotalExpenses.Add(e.summary.TotalExpenses)
	}
	sort.Strings(orphans)
	return balances, summary, orphans
}

// Auditor compares stored balances with a replay of the transaction log.
// It reads outside any atomic unit, so a write landing between its reads can
// show up as drift that a second audit will not repeat.
type Auditor struct {
	store       storage.Reader
	concurrency int
	now         func() time.Time
}

func NewAuditor(store storage.Reader, concurrency int) *Auditor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Auditor{
		store:       store,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (a *Auditor) Audit(ctx context.Context, owner string) (core.AuditReport, error) {
	var (
		accounts []core.Account
		txs      []core.Transaction
		stored   core.BalanceSummary
		found    bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		accounts, err = a.store.ListAccounts(gctx, owner)
		return err
	})
	g.Go(func() error {
		var err error
		txs, err = a.store.ListTransactions(gctx, owner, storage.TransactionFilter{})
		return err
	})
	g.Go(func() error {
		var err error
		stored, found, err = a.store.GetSummary(gctx, owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return core.AuditReport{}, fmt.Errorf("audit %s: %w", owner, err)
	}
	if !found {
		stored = core.NewZeroSummary(owner, time.Time{})
	}

	balances, expected, orphans := Replay(owner, accounts, txs)
	report := core.AuditReport{
		OwnerID:          owner,
		CheckedAt:        a.now(),
		Transactions:     len(txs),
		ExpectedSummary:  expected,
		StoredSummary:    stored,
		OrphanReferences: orphans,
		SummaryConsistent: stored.CurrentBalance.Equal(expected.CurrentBalance) &&
			stored.TotalIncome.Equal(expected.TotalIncome) &&
			stored.TotalExpenses.Equal(expected.TotalExpenses),
	}
	for _, acc := range accounts {
		want := balances[acc.ID]
		if !acc.CurrentBalance.Equal(want) {
			report.Accounts = append(report.Accounts, core.AccountDrift{
				AccountID: acc.ID,
				Stored:    acc.CurrentBalance,
				Expected:  want,
			})
		}
	}

	if !report.Consistent() {
		slog.WarnContext(ctx, "Ledger drift detected",
			"owner_id", owner,
			"drifted_accounts", len(report.Accounts),
			"summary_consistent", report.SummaryConsistent,
			"orphans", len(report.OrphanReferences))
	}
	return report, nil
}

// AuditAll audits every owner, a few at a time, and returns the reports in
// owner order.
func (a *Auditor) AuditAll(ctx context.Context) ([]core.AuditReport, error) {
	owners, err := a.store.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}

	var mu sync.Mutex
	reports := make([]core.AuditReport, 0, len(owners))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, owner := range owners {
		g.Go(func() error {
			r, err := a.Audit(gctx, owner)
			if err != nil {
				return err
			}
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].OwnerID < reports[j].OwnerID })

	inconsistent := 0
	for _, r := range reports {
		if !r.Consistent() {
			inconsistent++
		}
	}
	slog.InfoContext(ctx, "Ledger audit complete",
		"owners", len(reports),
		"inconsistent", inconsistent)
	return reports, nil
}

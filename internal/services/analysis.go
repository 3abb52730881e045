package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
)

// PeriodBounds returns the calendar period containing at. Weeks start on
// Monday. to is the last instant of the period.
func PeriodBounds(period core.AnalysisPeriod, at time.Time) (from, to time.Time, err error) {
	day := core.DayOf(at)
	switch period {
	case core.PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		from = day.AddDate(0, 0, -offset)
		to = from.AddDate(0, 0, 7)
	case core.PeriodMonth:
		from = time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 1, 0)
	case core.PeriodYear:
		from = time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(1, 0, 0)
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown analysis period %q", period)
	}
	return from, to.Add(-time.Nanosecond), nil
}

// Analyze summarizes txs for the period containing at. Expense figures are
// reported as positive magnitudes; net is income minus expenses. Transfers
// never count. Transactions outside the period are ignored.
func Analyze(period core.AnalysisPeriod, kind core.AnalysisKind, at time.Time, txs []core.Transaction) (core.PeriodAnalysis, error) {
	if !kind.Valid() {
		return core.PeriodAnalysis{}, fmt.Errorf("unknown analysis kind %q", kind)
	}
	from, to, err := PeriodBounds(period, at)
	if err != nil {
		return core.PeriodAnalysis{}, err
	}

	labels, bucketOf := buckets(period, from)
	series := make([]decimal.Decimal, len(labels))
	for i := range series {
		series[i] = decimal.Zero
	}
	byCategory := make(map[string]decimal.Decimal)
	total := decimal.Zero

	for _, t := range txs {
		if t.Date.Before(from) || t.Date.After(to) {
			continue
		}
		v, ok := contribution(kind, t)
		if !ok {
			continue
		}
		total = total.Add(v)
		byCategory[t.CategoryID] = byCategory[t.CategoryID].Add(v)
		i := bucketOf(t.Date)
		series[i] = series[i].Add(v)
	}

	out := core.PeriodAnalysis{
		Period:     period,
		Kind:       kind,
		From:       from,
		To:         to,
		Total:      total,
		ByCategory: make([]core.CategoryAmount, 0, len(byCategory)),
		Series:     make([]core.BucketAmount, len(labels)),
	}
	for id, amt := range byCategory {
		out.ByCategory = append(out.ByCategory, core.CategoryAmount{CategoryID: id, Amount: amt})
	}
	sort.Slice(out.ByCategory, func(i, j int) bool {
		a, b := out.ByCategory[i], out.ByCategory[j]
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c > 0
		}
		return a.CategoryID < b.CategoryID
	})
	for i, label := range labels {
		out.Series[i] = core.BucketAmount{Label: label, Amount: series[i]}
	}
	return out, nil
}

func contribution(kind core.AnalysisKind, t core.Transaction) (decimal.Decimal, bool) {
	switch {
	case t.Type == core.TypeTransfer:
		return decimal.Zero, false
	case kind == core.KindIncome && t.Type == core.TypeIncome:
		return t.Amount, true
	case kind == core.KindExpense && t.Type == core.TypeExpense:
		return t.Amount.Abs(), true
	case kind == core.KindNet:
		return t.Amount, true
	}
	return decimal.Zero, false
}

// buckets returns the series labels for a period starting at from and a
// function placing a date in one of them.
func buckets(period core.AnalysisPeriod, from time.Time) ([]string, func(time.Time) int) {
	switch period {
	case core.PeriodWeek:
		labels := make([]string, 7)
		for i := range labels {
			labels[i] = from.AddDate(0, 0, i).Weekday().String()[:3]
		}
		return labels, func(d time.Time) int { return (int(d.UTC().Weekday()) + 6) % 7 }
	case core.PeriodMonth:
		labels := make([]string, daysIn(from.Year(), from.Month()))
		for i := range labels {
			labels[i] = strconv.Itoa(i + 1)
		}
		return labels, func(d time.Time) int { return d.UTC().Day() - 1 }
	default:
		labels := make([]string, 12)
		for i := range labels {
			labels[i] = time.Month(i + 1).String()[:3]
		}
		return labels, func(d time.Time) int { return int(d.UTC().Month()) - 1 }
	}
}

// AnalysisService runs Analyze over the store.
type AnalysisService struct {
	store storage.Reader
}

func NewAnalysisService(store storage.Reader) *AnalysisService {
	return &AnalysisService{store: store}
}

func (s *AnalysisService) Analyze(ctx context.Context, owner string, period core.AnalysisPeriod, kind core.AnalysisKind, at time.Time) (core.PeriodAnalysis, error) {
	if !period.Valid() || !kind.Valid() {
		verr := &core.ValidationError{}
		if !period.Valid() {
			verr.Add("period", "must be one of week, month, year")
		}
		if !kind.Valid() {
			verr.Add("kind", "must be one of income, expense, net")
		}
		return core.PeriodAnalysis{}, verr
	}
	from, to, err := PeriodBounds(period, at)
	if err != nil {
		return core.PeriodAnalysis{}, err
	}

	filter := storage.TransactionFilter{From: from, To: to}
	switch kind {
	case core.KindIncome:
		filter.Type = core.TypeIncome
	case core.KindExpense:
		filter.Type = core.TypeExpense
	}
	txs, err := s.store.ListTransactions(ctx, owner, filter)
	if err != nil {
		return core.PeriodAnalysis{}, fmt.Errorf("list transactions: %w", err)
	}
	return Analyze(period, kind, at, txs)
}

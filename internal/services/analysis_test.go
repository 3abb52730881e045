package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ledgerd/internal/core"
	"ledgerd/internal/storage/memory"
)

func TestPeriodBounds(t *testing.T) {
	at := time.Date(2024, 3, 14, 18, 0, 0, 0, time.UTC) // Thursday

	tests := []struct {
		period   core.AnalysisPeriod
		wantFrom time.Time
		wantTo   time.Time
	}{
		{core.PeriodWeek, core.NewDate(2024, 3, 11), core.NewDate(2024, 3, 18)},
		{core.PeriodMonth, core.NewDate(2024, 3, 1), core.NewDate(2024, 4, 1)},
		{core.PeriodYear, core.NewDate(2024, 1, 1), core.NewDate(2025, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			from, to, err := PeriodBounds(tt.period, at)
			if err != nil {
				t.Fatalf("PeriodBounds() error = %v", err)
			}
			if !from.Equal(tt.wantFrom) || !to.Equal(tt.wantTo.Add(-time.Nanosecond)) {
				t.Errorf("PeriodBounds() = %v..%v, want %v..just before %v", from, to, tt.wantFrom, tt.wantTo)
			}
		})
	}

	if _, _, err := PeriodBounds("decade", at); err == nil {
		t.Error("PeriodBounds(decade) should fail")
	}
}

func TestPeriodBounds_SundayBelongsToPreviousWeek(t *testing.T) {
	from, _, err := PeriodBounds(core.PeriodWeek, core.NewDate(2024, 3, 17))
	if err != nil {
		t.Fatalf("PeriodBounds() error = %v", err)
	}
	if !from.Equal(core.NewDate(2024, 3, 11)) {
		t.Errorf("week of Sunday 2024-03-17 starts %v, want 2024-03-11", from)
	}
}

func TestAnalyze(t *testing.T) {
	txs := []core.Transaction{
		txOn(core.TypeExpense, "-10", "food", time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)),
		txOn(core.TypeExpense, "-30", "transport", time.Date(2024, 3, 13, 8, 0, 0, 0, time.UTC)),
		txOn(core.TypeExpense, "-15", "food", time.Date(2024, 3, 17, 23, 0, 0, 0, time.UTC)),
		txOn(core.TypeIncome, "100", "salary", time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)),
		{ID: "tr", Type: core.TypeTransfer, Amount: amt("-500"), Date: time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)},
		txOn(core.TypeExpense, "-999", "food", time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)),
	}
	at := core.NewDate(2024, 3, 14)

	t.Run("weekly expense", func(t *testing.T) {
		got, err := Analyze(core.PeriodWeek, core.KindExpense, at, txs)
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		assertAmount(t, "total", got.Total, "55")
		if len(got.ByCategory) != 2 || got.ByCategory[0].CategoryID != "transport" || got.ByCategory[1].CategoryID != "food" {
			t.Fatalf("ByCategory = %+v, want transport then food", got.ByCategory)
		}
		assertAmount(t, "food", got.ByCategory[1].Amount, "25")
		if len(got.Series) != 7 || got.Series[0].Label != "Mon" || got.Series[6].Label != "Sun" {
			t.Fatalf("Series labels = %+v, want Mon..Sun", got.Series)
		}
		assertAmount(t, "Monday", got.Series[0].Amount, "10")
		assertAmount(t, "Wednesday", got.Series[2].Amount, "30")
		assertAmount(t, "Sunday", got.Series[6].Amount, "15")
	})

	t.Run("weekly net", func(t *testing.T) {
		got, err := Analyze(core.PeriodWeek, core.KindNet, at, txs)
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		assertAmount(t, "total", got.Total, "45")
	})

	t.Run("monthly income", func(t *testing.T) {
		got, err := Analyze(core.PeriodMonth, core.KindIncome, at, txs)
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		assertAmount(t, "total", got.Total, "100")
		if len(got.Series) != 31 {
			t.Fatalf("len(Series) = %d, want 31", len(got.Series))
		}
		assertAmount(t, "March 12", got.Series[11].Amount, "100")
	})

	t.Run("yearly expense", func(t *testing.T) {
		got, err := Analyze(core.PeriodYear, core.KindExpense, at, txs)
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		assertAmount(t, "total", got.Total, "1054")
		if got.Series[2].Label != "Mar" {
			t.Errorf("Series[2].Label = %q, want Mar", got.Series[2].Label)
		}
		assertAmount(t, "March", got.Series[2].Amount, "1054")
	})
}

func TestAnalysisService_RejectsUnknownPeriod(t *testing.T) {
	svc := NewAnalysisService(memory.New())
	_, err := svc.Analyze(context.Background(), "alice", "decade", core.KindNet, testDay)
	var verr *core.ValidationError
	if !errors.As(err, &verr) || !verr.Has("period") {
		t.Fatalf("Analyze() error = %v, want validation error on period", err)
	}
}

func TestAnalysisService_Analyze(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedAccounts(t, store, "alice", map[string]string{"A": "0", "B": "0"})
	ledger := NewLedgerService(store, nil)
	for _, d := range []core.TransactionDraft{
		income("A", "300", "salary"),
		expense("A", "-45.50", "food"),
		transfer("A", "B", "-100"),
	} {
		if _, err := ledger.Record(ctx, "alice", d); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := NewAnalysisService(store).Analyze(ctx, "alice", core.PeriodMonth, core.KindNet, testDay)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	assertAmount(t, "net", got.Total, "254.50")
}

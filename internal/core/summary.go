package core

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PeriodWeek  AnalysisPeriod = "week"
	PeriodMonth AnalysisPeriod = "month"
	PeriodYear  AnalysisPeriod = "year"

	KindIncome  AnalysisKind = "income"
	KindExpense AnalysisKind = "expense"
	KindNet     AnalysisKind = "net"
)

type (
	AnalysisPeriod string
	AnalysisKind   string

	// CategoryAmount represents an amount aggregated by category.
	CategoryAmount struct {
		CategoryID string          `json:"category_id"`
		Amount     decimal.Decimal `json:"amount"`
	}

	// BucketAmount is one point of a period series: a weekday, a day of the
	// month or a month of the year depending on the period.
	BucketAmount struct {
		Label  string          `json:"label"`
		Amount decimal.Decimal `json:"amount"`
	}

	// PeriodAnalysis is a compact summary for one calendar period.
	PeriodAnalysis struct {
		Period     AnalysisPeriod   `json:"period"`
		Kind       AnalysisKind     `json:"kind"`
		From       time.Time        `json:"from"`
		To         time.Time        `json:"to"`
		Total      decimal.Decimal  `json:"total"`
		ByCategory []CategoryAmount `json:"by_category"`
		Series     []BucketAmount   `json:"series"`
	}

	// BudgetEvaluation is derived on every read and never stored.
	BudgetEvaluation struct {
		BudgetID    string          `json:"budget_id"`
		Spent       decimal.Decimal `json:"spent"`
		Remaining   decimal.Decimal `json:"remaining"`
		PercentUsed decimal.Decimal `json:"percent_used"`
	}

	AccountDrift struct {
		AccountID string          `json:"account_id"`
		Stored    decimal.Decimal `json:"stored"`
		Expected  decimal.Decimal `json:"expected"`
	}

	// AuditReport compares stored balances against a replay of the surviving
	// transaction log.
	AuditReport struct {
		OwnerID           string         `json:"owner_id"`
		CheckedAt         time.Time      `json:"checked_at"`
		Transactions      int            `json:"transactions"`
		Accounts          []AccountDrift `json:"account_drift,omitempty"`
		ExpectedSummary   BalanceSummary `json:"expected_summary"`
		StoredSummary     BalanceSummary `json:"stored_summary"`
		SummaryConsistent bool           `json:"summary_consistent"`
		OrphanReferences  []string       `json:"orphan_references,omitempty"`
	}
)

func (p AnalysisPeriod) Valid() bool {
	return p == PeriodWeek || p == PeriodMonth || p == PeriodYear
}

func (k AnalysisKind) Valid() bool {
	return k == KindIncome || k == KindExpense || k == KindNet
}

// Consistent reports whether the audit found no drift at all.
func (r AuditReport) Consistent() bool {
	return len(r.Accounts) == 0 && r.SummaryConsistent && len(r.OrphanReferences) == 0
}

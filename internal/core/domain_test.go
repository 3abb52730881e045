package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNewTransactionValid(t *testing.T) {
	cases := []TransactionDraft{
		{AccountID: "a", Amount: amt("-20000"), Description: "groceries", Type: TypeExpense, CategoryID: "food", Date: NewDate(2025, 3, 1)},
		{AccountID: "a", Amount: amt("1500.50"), Description: "salary", Type: TypeIncome, CategoryID: "salary", Date: NewDate(2025, 3, 1)},
		{AccountID: "a", Amount: amt("-30000"), Description: "to savings", Type: TypeTransfer, TransferToAccountID: "b", Date: NewDate(2025, 3, 1)},
	}
	for i, d := range cases {
		tx, err := NewTransaction("owner-1", d)
		if err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if tx.OwnerID != "owner-1" || tx.ID != "" {
			t.Fatalf("case %d unexpected owner/id %q/%q", i, tx.OwnerID, tx.ID)
		}
	}
}

func TestNewTransactionRejects(t *testing.T) {
	base := TransactionDraft{AccountID: "a", Amount: amt("-10"), Description: "x", Type: TypeExpense, CategoryID: "food", Date: NewDate(2025, 1, 1)}

	cases := []struct {
		name  string
		owner string
		edit  func(*TransactionDraft)
		field string
	}{
		{"missing owner", "", func(*TransactionDraft) {}, "owner_id"},
		{"missing account", "o", func(d *TransactionDraft) { d.AccountID = " " }, "account_id"},
		{"missing description", "o", func(d *TransactionDraft) { d.Description = "" }, "description"},
		{"long description", "o", func(d *TransactionDraft) { d.Description = strings.Repeat("x", 201) }, "description"},
		{"zero date", "o", func(d *TransactionDraft) { d.Date = time.Time{} }, "date"},
		{"unknown type", "o", func(d *TransactionDraft) { d.Type = "refund" }, "type"},
		{"zero amount", "o", func(d *TransactionDraft) { d.Amount = decimal.Zero }, "amount"},
		{"positive expense", "o", func(d *TransactionDraft) { d.Amount = amt("10") }, "amount"},
		{"negative income", "o", func(d *TransactionDraft) { d.Type = TypeIncome; d.CategoryID = "salary" }, "amount"},
		{"three decimals", "o", func(d *TransactionDraft) { d.Amount = amt("-1.005") }, "amount"},
		{"too large", "o", func(d *TransactionDraft) { d.Amount = amt("-1000000000000.01") }, "amount"},
		{"expense without category", "o", func(d *TransactionDraft) { d.CategoryID = "" }, "category_id"},
		{"expense with destination", "o", func(d *TransactionDraft) { d.TransferToAccountID = "b" }, "transfer_to_account_id"},
		{"transfer without destination", "o", func(d *TransactionDraft) { d.Type = TypeTransfer; d.CategoryID = "" }, "transfer_to_account_id"},
		{"transfer to itself", "o", func(d *TransactionDraft) { d.Type = TypeTransfer; d.CategoryID = ""; d.TransferToAccountID = "a" }, "transfer_to_account_id"},
		{"transfer with category", "o", func(d *TransactionDraft) { d.Type = TypeTransfer; d.TransferToAccountID = "b" }, "category_id"},
		{"positive transfer", "o", func(d *TransactionDraft) {
			d.Type = TypeTransfer
			d.CategoryID = ""
			d.TransferToAccountID = "b"
			d.Amount = amt("5")
		}, "amount"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			tc.edit(&d)
			_, err := NewTransaction(tc.owner, d)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !verr.Has(tc.field) {
				t.Fatalf("expected field %q to be flagged, got %v", tc.field, verr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected errors.Is(err, ErrInvalid)")
			}
		})
	}
}

func TestValidationErrorNamesEveryField(t *testing.T) {
	_, err := NewTransaction("", TransactionDraft{Type: TypeExpense, Amount: amt("-1")})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, f := range []string{"owner_id", "account_id", "description", "date", "category_id"} {
		if !verr.Has(f) {
			t.Errorf("missing field %q in %v", f, verr)
		}
	}
}

func TestAccountValidate(t *testing.T) {
	good := Account{OwnerID: "o", Name: "Cash", Type: AccountCash, InitialBalance: amt("100000")}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []Account{
		{OwnerID: "o", Name: "", Type: AccountCash},
		{OwnerID: "o", Name: "x", Type: "wallet"},
		{OwnerID: "o", Name: "x", Type: AccountCash, InitialBalance: amt("0.001")},
		{OwnerID: "", Name: "x", Type: AccountCash},
	}
	for i, a := range bads {
		if err := a.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestBudgetValidate(t *testing.T) {
	good := Budget{OwnerID: "o", Name: "Food", Amount: amt("500"), StartDate: NewDate(2025, 3, 1), EndDate: NewDate(2025, 3, 31), Frequency: FrequencyMonthly}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	sameDay := good
	sameDay.EndDate = good.StartDate.Add(3 * time.Hour)
	if err := sameDay.Validate(); err != nil {
		t.Fatalf("single-day budget should be valid, got %v", err)
	}

	cases := []struct {
		field string
		edit  func(*Budget)
	}{
		{"amount", func(b *Budget) { b.Amount = decimal.Zero }},
		{"amount", func(b *Budget) { b.Amount = amt("-5") }},
		{"end_date", func(b *Budget) { b.EndDate = NewDate(2025, 2, 28) }},
		{"frequency", func(b *Budget) { b.Frequency = "daily" }},
		{"name", func(b *Budget) { b.Name = "  " }},
		{"category_ids", func(b *Budget) { b.CategoryIDs = []string{"food", ""} }},
	}
	for _, tc := range cases {
		b := good
		tc.edit(&b)
		var verr *ValidationError
		if err := b.Validate(); !errors.As(err, &verr) || !verr.Has(tc.field) {
			t.Fatalf("expected %s to be flagged, got %v", tc.field, err)
		}
	}
}

func TestTouches(t *testing.T) {
	tr := Transaction{AccountID: "a", Type: TypeTransfer, TransferToAccountID: "b"}
	if !tr.Touches("a") || !tr.Touches("b") || tr.Touches("c") {
		t.Fatalf("transfer touches wrong accounts")
	}
	ex := Transaction{AccountID: "a", Type: TypeExpense, TransferToAccountID: "b"}
	if ex.Touches("b") {
		t.Fatalf("expense must not touch b")
	}
}

func TestErrorClasses(t *testing.T) {
	nf := &NotFoundError{Entity: "account", ID: "x"}
	if !errors.Is(nf, ErrNotFound) || IsRetryable(nf) {
		t.Fatalf("not found misclassified")
	}
	cf := &ConflictError{Attempts: 5}
	if !errors.Is(cf, ErrConflict) || !IsRetryable(cf) {
		t.Fatalf("conflict misclassified")
	}
	su := &StoreUnavailableError{Op: "commit", Err: errors.New("disk gone")}
	if !errors.Is(su, ErrUnavailable) || !IsRetryable(su) {
		t.Fatalf("unavailable misclassified")
	}
}

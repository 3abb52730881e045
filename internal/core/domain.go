package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountCash       AccountType = "cash"
	AccountCreditCard AccountType = "credit_card"
	AccountInvestment AccountType = "investment"
	AccountOther      AccountType = "other"
)

const (
	TypeIncome   TransactionType = "income"
	TypeExpense  TransactionType = "expense"
	TypeTransfer TransactionType = "transfer"
)

const (
	FrequencyMonthly BudgetFrequency = "monthly"
	FrequencyWeekly  BudgetFrequency = "weekly"
	FrequencyCustom  BudgetFrequency = "custom"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 200
	maxDetailLength      = 1000
)

type (
	AccountType     string
	TransactionType string
	BudgetFrequency string

	Account struct {
		ID             string          `json:"id"`
		OwnerID        string          `json:"owner_id"`
		Name           string          `json:"name"`
		Type           AccountType     `json:"type"`
		InitialBalance decimal.Decimal `json:"initial_balance"`
		CurrentBalance decimal.Decimal `json:"current_balance"`
		CreatedAt      time.Time       `json:"created_at"`
		LastUpdated    time.Time       `json:"last_updated"`
		IsDefault      bool            `json:"is_default"`
	}

	// TransactionDraft is what a caller submits to record a transaction.
	// The owner comes from the authenticated identity, the id from the store.
	TransactionDraft struct {
		AccountID           string          `json:"account_id"`
		Amount              decimal.Decimal `json:"amount"`
		Description         string          `json:"description"`
		Type                TransactionType `json:"type"`
		CategoryID          string          `json:"category_id,omitempty"`
		Date                time.Time       `json:"date"`
		Detail              string          `json:"detail,omitempty"`
		TransferToAccountID string          `json:"transfer_to_account_id,omitempty"`
	}

	Transaction struct {
		ID                  string          `json:"id"`
		OwnerID             string          `json:"owner_id"`
		AccountID           string          `json:"account_id"`
		Amount              decimal.Decimal `json:"amount"`
		Description         string          `json:"description"`
		Type                TransactionType `json:"type"`
		CategoryID          string          `json:"category_id,omitempty"`
		Date                time.Time       `json:"date"`
		Detail              string          `json:"detail,omitempty"`
		TransferToAccountID string          `json:"transfer_to_account_id,omitempty"`
		CreatedAt           time.Time       `json:"created_at"`
	}

	BalanceSummary struct {
		OwnerID        string          `json:"owner_id"`
		CurrentBalance decimal.Decimal `json:"current_balance"`
		TotalIncome    decimal.Decimal `json:"total_income"`
		TotalExpenses  decimal.Decimal `json:"total_expenses"`
		LastUpdated    time.Time       `json:"last_updated"`
	}

	Budget struct {
		ID          string          `json:"id"`
		OwnerID     string          `json:"owner_id"`
		Name        string          `json:"name"`
		Amount      decimal.Decimal `json:"amount"`
		StartDate   time.Time       `json:"start_date"`
		EndDate     time.Time       `json:"end_date"`
		Frequency   BudgetFrequency `json:"frequency"`
		CategoryIDs []string        `json:"category_ids"`
		IsActive    bool            `json:"is_active"`
		CreatedAt   time.Time       `json:"created_at"`
		LastUpdated time.Time       `json:"last_updated"`
	}

	// Category is a lookup entry. System categories have an empty OwnerID.
	Category struct {
		ID      string          `json:"id"`
		Name    string          `json:"name"`
		Type    TransactionType `json:"type"`
		Icon    string          `json:"icon,omitempty"`
		Color   string          `json:"color,omitempty"`
		OwnerID string          `json:"owner_id,omitempty"`
	}
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountChecking, AccountSavings, AccountCash, AccountCreditCard, AccountInvestment, AccountOther:
		return true
	}
	return false
}

func (t TransactionType) Valid() bool {
	switch t {
	case TypeIncome, TypeExpense, TypeTransfer:
		return true
	}
	return false
}

func (f BudgetFrequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyWeekly, FrequencyCustom:
		return true
	}
	return false
}

// NewTransaction validates draft on behalf of owner and returns the record to
// persist. The id is left empty for the store to assign.
func NewTransaction(owner string, draft TransactionDraft) (Transaction, error) {
	t := Transaction{
		OwnerID:             strings.TrimSpace(owner),
		AccountID:           strings.TrimSpace(draft.AccountID),
		Amount:              draft.Amount,
		Description:         strings.TrimSpace(draft.Description),
		Type:                draft.Type,
		CategoryID:          strings.TrimSpace(draft.CategoryID),
		Date:                draft.Date.UTC(),
		Detail:              strings.TrimSpace(draft.Detail),
		TransferToAccountID: strings.TrimSpace(draft.TransferToAccountID),
	}
	if err := t.Validate(); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func (t Transaction) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(t.OwnerID) == "" {
		verr.Add("owner_id", "required")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		verr.Add("account_id", "required")
	}
	if strings.TrimSpace(t.Description) == "" {
		verr.Add("description", "required")
	} else if len(t.Description) > maxDescriptionLength {
		verr.Add("description", "too long (max 200 characters)")
	}
	if len(t.Detail) > maxDetailLength {
		verr.Add("detail", "too long (max 1000 characters)")
	}
	if t.Date.IsZero() {
		verr.Add("date", "required")
	}

	if !t.Type.Valid() {
		verr.Add("type", "must be one of income, expense, transfer")
	} else {
		checkSignedAmount(verr, t.Type, t.Amount)
		switch t.Type {
		case TypeTransfer:
			if t.TransferToAccountID == "" {
				verr.Add("transfer_to_account_id", "required for transfer")
			} else if t.TransferToAccountID == t.AccountID {
				verr.Add("transfer_to_account_id", "must differ from account_id")
			}
			if t.CategoryID != "" {
				verr.Add("category_id", "not allowed for transfer")
			}
		default:
			if t.CategoryID == "" {
				verr.Add("category_id", "required for "+string(t.Type))
			}
			if t.TransferToAccountID != "" {
				verr.Add("transfer_to_account_id", "only allowed for transfer")
			}
		}
	}
	return verr.OrNil()
}

func checkSignedAmount(verr *ValidationError, typ TransactionType, amount decimal.Decimal) {
	if amount.IsZero() {
		verr.Add("amount", "must not be zero")
		return
	}
	if err := CheckAmount(amount); err != nil {
		verr.Add("amount", err.Error())
		return
	}
	switch typ {
	case TypeIncome:
		if amount.IsNegative() {
			verr.Add("amount", "must be positive for income")
		}
	case TypeExpense, TypeTransfer:
		if amount.IsPositive() {
			verr.Add("amount", "must be negative for "+string(typ))
		}
	}
}

func (a Account) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(a.OwnerID) == "" {
		verr.Add("owner_id", "required")
	}
	if strings.TrimSpace(a.Name) == "" {
		verr.Add("name", "required")
	} else if len(a.Name) > maxNameLength {
		verr.Add("name", "too long (max 100 characters)")
	}
	if !a.Type.Valid() {
		verr.Add("type", "must be one of checking, savings, cash, credit_card, investment, other")
	}
	if err := CheckAmount(a.InitialBalance); err != nil {
		verr.Add("initial_balance", err.Error())
	}
	return verr.OrNil()
}

func (b Budget) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(b.OwnerID) == "" {
		verr.Add("owner_id", "required")
	}
	if strings.TrimSpace(b.Name) == "" {
		verr.Add("name", "required")
	} else if len(b.Name) > maxNameLength {
		verr.Add("name", "too long (max 100 characters)")
	}
	if !b.Amount.IsPositive() {
		verr.Add("amount", "must be greater than zero")
	} else if err := CheckAmount(b.Amount); err != nil {
		verr.Add("amount", err.Error())
	}
	if b.StartDate.IsZero() {
		verr.Add("start_date", "required")
	}
	if b.EndDate.IsZero() {
		verr.Add("end_date", "required")
	}
	if !b.StartDate.IsZero() && !b.EndDate.IsZero() && DayOf(b.EndDate).Before(DayOf(b.StartDate)) {
		verr.Add("end_date", "must not be before start_date")
	}
	if !b.Frequency.Valid() {
		verr.Add("frequency", "must be one of monthly, weekly, custom")
	}
	for _, id := range b.CategoryIDs {
		if strings.TrimSpace(id) == "" {
			verr.Add("category_ids", "must not contain empty ids")
			break
		}
	}
	return verr.OrNil()
}

func (c Category) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(c.Name) == "" {
		verr.Add("name", "required")
	} else if len(c.Name) > maxNameLength {
		verr.Add("name", "too long (max 100 characters)")
	}
	if c.Type != TypeIncome && c.Type != TypeExpense {
		verr.Add("type", "must be income or expense")
	}
	return verr.OrNil()
}

// Touches reports whether the transaction moves money in or out of accountID.
func (t Transaction) Touches(accountID string) bool {
	return t.AccountID == accountID || (t.Type == TypeTransfer && t.TransferToAccountID == accountID)
}

// DayOf truncates t to its calendar day in UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDate creates a UTC date from year, month, day.
func NewDate(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// NewZeroSummary returns the summary every owner starts with.
func NewZeroSummary(owner string, at time.Time) BalanceSummary {
	return BalanceSummary{
		OwnerID:        owner,
		CurrentBalance: decimal.Zero,
		TotalIncome:    decimal.Zero,
		TotalExpenses:  decimal.Zero,
		LastUpdated:    at,
	}
}

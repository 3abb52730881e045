package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ledgerd/internal/core"
	"ledgerd/internal/services"
	"ledgerd/internal/storage"

	"github.com/shopspring/decimal"
)

const (
	// HeaderOwnerID carries the authenticated owner, set by the gateway in
	// front of this service.
	HeaderOwnerID = "X-Owner-ID"

	maxOwnerIDLength = 128
	maxBodyBytes     = 1 << 20
	maxListLimit     = 1000
	dateLayout       = "2006-01-02"
)

// ownerFrom returns the owner for r, or "" when the header is missing or
// malformed.
func ownerFrom(r *http.Request) string {
	owner := strings.TrimSpace(r.Header.Get(HeaderOwnerID))
	if len(owner) > maxOwnerIDLength || strings.ContainsAny(owner, "\r\n\t") {
		return ""
	}
	return owner
}

// decodeJSON reads a single JSON object from the body into dst, rejecting
// unknown fields and bodies over maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("request body must hold a single JSON object")
	}
	return nil
}

// flexAmount accepts an amount as either a JSON number or a string. Strings
// may use a comma as decimal separator.
type flexAmount string

func (a *flexAmount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = flexAmount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("amount must be a number or a numeric string")
	}
	*a = flexAmount(n.String())
	return nil
}

func parseAmountField(verr *core.ValidationError, field string, raw flexAmount) decimal.Decimal {
	d, err := core.ParseAmount(string(raw))
	if err != nil {
		verr.Add(field, err.Error())
	}
	return d
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be YYYY-MM-DD or RFC 3339")
	}
	return t.UTC(), nil
}

type transactionRequest struct {
	AccountID           string     `json:"account_id"`
	Amount              flexAmount `json:"amount"`
	Description         string     `json:"description"`
	Type                string     `json:"type"`
	CategoryID          string     `json:"category_id"`
	Date                string     `json:"date"`
	Detail              string     `json:"detail"`
	TransferToAccountID string     `json:"transfer_to_account_id"`
}

// toDraft converts the wire form. A missing date means today.
func (req transactionRequest) toDraft(now time.Time) (core.TransactionDraft, error) {
	verr := &core.ValidationError{}
	draft := core.TransactionDraft{
		AccountID:           req.AccountID,
		Amount:              parseAmountField(verr, "amount", req.Amount),
		Description:         sanitizeInput(req.Description),
		Type:                core.TransactionType(strings.ToLower(strings.TrimSpace(req.Type))),
		CategoryID:          req.CategoryID,
		Detail:              sanitizeInput(req.Detail),
		TransferToAccountID: req.TransferToAccountID,
		Date:                core.DayOf(now),
	}
	if strings.TrimSpace(req.Date) != "" {
		d, err := parseDate(req.Date)
		if err != nil {
			verr.Add("date", err.Error())
		}
		draft.Date = d
	}
	return draft, verr.OrNil()
}

type accountRequest struct {
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	InitialBalance flexAmount `json:"initial_balance"`
	IsDefault      bool       `json:"is_default"`
}

func (req accountRequest) toInput() services.AccountInput {
	balance := string(req.InitialBalance)
	if strings.TrimSpace(balance) == "" {
		balance = "0"
	}
	return services.AccountInput{
		Name:           sanitizeInput(req.Name),
		Type:           core.AccountType(strings.ToLower(strings.TrimSpace(req.Type))),
		InitialBalance: balance,
		IsDefault:      req.IsDefault,
	}
}

type budgetRequest struct {
	Name        string     `json:"name"`
	Amount      flexAmount `json:"amount"`
	StartDate   string     `json:"start_date"`
	EndDate     string     `json:"end_date"`
	Frequency   string     `json:"frequency"`
	CategoryIDs []string   `json:"category_ids"`
	IsActive    *bool      `json:"is_active"`
}

// toInput converts the wire form. Dates are checked here; amount, window
// ordering and categories are checked by the budget service.
func (req budgetRequest) toInput() (services.BudgetInput, error) {
	verr := &core.ValidationError{}
	in := services.BudgetInput{
		Name:        sanitizeInput(req.Name),
		Amount:      string(req.Amount),
		Frequency:   core.BudgetFrequency(strings.ToLower(strings.TrimSpace(req.Frequency))),
		CategoryIDs: req.CategoryIDs,
		IsActive:    req.IsActive,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"start_date", req.StartDate, &in.StartDate},
		{"end_date", req.EndDate, &in.EndDate},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := parseDate(f.raw)
		if err != nil {
			verr.Add(f.name, err.Error())
			continue
		}
		*f.dst = d
	}
	return in, verr.OrNil()
}

// parseTransactionFilter reads account, type, category, from, to and limit.
func parseTransactionFilter(q url.Values) (storage.TransactionFilter, error) {
	verr := &core.ValidationError{}
	f := storage.TransactionFilter{
		AccountID:  strings.TrimSpace(q.Get("account")),
		CategoryID: strings.TrimSpace(q.Get("category")),
	}
	if v := strings.TrimSpace(q.Get("type")); v != "" {
		f.Type = core.TransactionType(strings.ToLower(v))
		if !f.Type.Valid() {
			verr.Add("type", "must be one of income, expense, transfer")
		}
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{
		{"from", &f.From},
		{"to", &f.To},
	} {
		v := q.Get(p.name)
		if strings.TrimSpace(v) == "" {
			continue
		}
		d, err := parseDate(v)
		if err != nil {
			verr.Add(p.name, err.Error())
			continue
		}
		// A bare calendar date as upper bound covers that whole day.
		if p.name == "to" && len(strings.TrimSpace(v)) == len(dateLayout) {
			d = d.Add(24*time.Hour - time.Nanosecond)
		}
		*p.dst = d
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		verr.Add("to", "must not be before from")
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			verr.Add("limit", fmt.Sprintf("must be between 1 and %d", maxListLimit))
		} else {
			f.Limit = n
		}
	}
	return f, verr.OrNil()
}

// sanitizeInput removes control characters other than tab and newlines and
// trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

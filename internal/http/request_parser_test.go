package http

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"ledgerd/internal/core"
)

func TestParseTransactionFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr string
		check   func(t *testing.T, got filterView)
	}{
		{
			name:  "empty",
			query: "",
			check: func(t *testing.T, got filterView) {
				if got != (filterView{}) {
					t.Errorf("filter = %+v, want zero", got)
				}
			},
		},
		{
			name:  "bare to covers the whole day",
			query: "from=2024-03-01&to=2024-03-31&type=EXPENSE&limit=10",
			check: func(t *testing.T, got filterView) {
				wantTo := time.Date(2024, 3, 31, 23, 59, 59, 999999999, time.UTC)
				if !got.to.Equal(wantTo) || !got.from.Equal(core.NewDate(2024, 3, 1)) {
					t.Errorf("window = %v..%v", got.from, got.to)
				}
				if got.typ != core.TypeExpense || got.limit != 10 {
					t.Errorf("filter = %+v", got)
				}
			},
		},
		{
			name:  "rfc3339 to is exact",
			query: "to=2024-03-31T12:00:00Z",
			check: func(t *testing.T, got filterView) {
				if !got.to.Equal(time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)) {
					t.Errorf("to = %v", got.to)
				}
			},
		},
		{name: "bad type", query: "type=refund", wantErr: "type"},
		{name: "bad date", query: "from=yesterday", wantErr: "from"},
		{name: "inverted window", query: "from=2024-03-02&to=2024-03-01", wantErr: "to"},
		{name: "limit too large", query: "limit=5000", wantErr: "limit"},
		{name: "limit zero", query: "limit=0", wantErr: "limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			f, err := parseTransactionFilter(q)
			if tt.wantErr != "" {
				verr, ok := err.(*core.ValidationError)
				if !ok || !verr.Has(tt.wantErr) {
					t.Fatalf("error = %v, want validation error on %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, filterView{from: f.From, to: f.To, typ: f.Type, limit: f.Limit})
		})
	}
}

type filterView struct {
	from  time.Time
	to    time.Time
	typ   core.TransactionType
	limit int
}

func TestTransactionRequestToDraft(t *testing.T) {
	now := time.Date(2024, 5, 20, 18, 30, 0, 0, time.UTC)

	draft, err := transactionRequest{
		AccountID:   "acc",
		Amount:      "-12,50",
		Description: "  Lunch\x00 ",
		Type:        " Expense ",
	}.toDraft(now)
	if err != nil {
		t.Fatalf("toDraft() error = %v", err)
	}
	if !draft.Date.Equal(core.NewDate(2024, 5, 20)) {
		t.Errorf("Date = %v, want today", draft.Date)
	}
	if draft.Amount.String() != "-12.5" || draft.Description != "Lunch" || draft.Type != core.TypeExpense {
		t.Errorf("draft = %+v", draft)
	}

	_, err = transactionRequest{Amount: "1.234", Date: "tomorrow"}.toDraft(now)
	verr, ok := err.(*core.ValidationError)
	if !ok || !verr.Has("amount") || !verr.Has("date") {
		t.Errorf("toDraft() error = %v, want amount and date flagged", err)
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"Bank"}`, false},
		{"empty", ``, true},
		{"unknown field", `{"name":"Bank","balance":"10"}`, true},
		{"trailing object", `{"name":"Bank"}{"name":"Other"}`, true},
		{"not json", `name=Bank`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", strings.NewReader(tt.body))
			var dst struct {
				Name string `json:"name"`
			}
			err := decodeJSON(httptest.NewRecorder(), r, &dst)
			if (err != nil) != tt.wantErr {
				t.Errorf("decodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOwnerFrom(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"alice", "alice"},
		{"  bob  ", "bob"},
		{"", ""},
		{strings.Repeat("x", 129), ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(HeaderOwnerID, tt.header)
		if got := ownerFrom(r); got != tt.want {
			t.Errorf("ownerFrom(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

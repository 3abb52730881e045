package google

import (
	"fmt"
	"strings"

	"ledgerd/internal/core"

	gsheet "google.golang.org/api/sheets/v4"
)

// Columns A..I of a mirrored row.
var header = []string{"ID", "Date", "Type", "Account", "To account", "Amount", "Category", "Description", "Owner"}

func transactionRow(t core.Transaction) []any {
	return []any{
		t.ID,
		t.Date.UTC().Format("2006-01-02"),
		string(t.Type),
		t.AccountID,
		t.TransferToAccountID,
		t.Amount.StringFixed(2),
		t.CategoryID,
		t.Description,
		t.OwnerID,
	}
}

func rowRange(sheet string, row int) string {
	last := rune('A' + len(header) - 1)
	return fmt.Sprintf("%s!A%d:%c%d", sheet, row, last, row)
}

// firstColumn flattens a single column read, keeping blank cells so that
// indexes still match sheet rows.
func firstColumn(values [][]any) []string {
	out := make([]string, len(values))
	for i, row := range values {
		if len(row) > 0 {
			out[i] = strings.TrimSpace(fmt.Sprint(row[0]))
		}
	}
	return out
}

func rowIndexOf(ids []string, id string) int {
	id = strings.TrimSpace(id)
	if id == "" {
		return -1
	}
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func sheetIDByTitle(sheets []*gsheet.Sheet, title string) (int64, bool) {
	for _, s := range sheets {
		if s == nil || s.Properties == nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(s.Properties.Title), strings.TrimSpace(title)) {
			return s.Properties.SheetId, true
		}
	}
	return 0, false
}

package memory

import (
	"context"
	"testing"

	"ledgerd/internal/core"
)

func TestMemoryStoreAppendAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	ref, err := s.AppendTransaction(ctx, core.Transaction{ID: "t1", Description: "coffee"})
	if err != nil || ref != "mem:1" {
		t.Fatalf("unexpected append: ref=%q err=%v", ref, err)
	}
	if _, err := s.AppendTransaction(ctx, core.Transaction{ID: "t2"}); err != nil {
		t.Fatalf("append t2: %v", err)
	}

	// Re-delivery of the same event must not duplicate the row.
	ref, err = s.AppendTransaction(ctx, core.Transaction{ID: "t1"})
	if err != nil || ref != "mem:1" {
		t.Fatalf("unexpected re-append: ref=%q err=%v", ref, err)
	}
	if got := len(s.Rows()); got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}

	if err := s.DeleteTransaction(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteTransaction(ctx, "missing"); err != nil {
		t.Fatalf("delete of unknown id: %v", err)
	}
	rows := s.Rows()
	if len(rows) != 1 || rows[0].ID != "t2" {
		t.Fatalf("unexpected rows after delete: %+v", rows)
	}
	if s.Appended() != 2 {
		t.Errorf("Appended() = %d, want 2", s.Appended())
	}
}

func TestMemoryStoreRejectsMissingID(t *testing.T) {
	if _, err := New().AppendTransaction(context.Background(), core.Transaction{}); err == nil {
		t.Fatal("expected error for transaction without id")
	}
}

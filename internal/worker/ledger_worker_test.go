package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"ledgerd/internal/amqp"
	"ledgerd/internal/core"
	"ledgerd/internal/sheets/memory"
)

type fakeAuditor struct {
	owners []string
	report core.AuditReport
	err    error
}

func (f *fakeAuditor) Audit(_ context.Context, owner string) (core.AuditReport, error) {
	f.owners = append(f.owners, owner)
	return f.report, f.err
}

type failingMirror struct{}

func (failingMirror) AppendTransaction(context.Context, core.Transaction) (string, error) {
	return "", errors.New("sheets down")
}

func (failingMirror) DeleteTransaction(context.Context, string) error {
	return errors.New("sheets down")
}

func event(kind amqp.EventKind, id string) *amqp.LedgerEvent {
	return amqp.NewLedgerEvent(kind, core.Transaction{
		ID:          id,
		OwnerID:     "alice",
		AccountID:   "acc",
		Description: "Lunch",
		Type:        core.TypeExpense,
		CategoryID:  "food",
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
	})
}

func TestLedgerWorker_MirrorsRecordAndDelete(t *testing.T) {
	ctx := context.Background()
	mirror := memory.New()
	auditor := &fakeAuditor{report: core.AuditReport{SummaryConsistent: true}}
	w := NewLedgerWorker(mirror, auditor)

	if err := w.HandleLedgerEvent(ctx, event(amqp.EventTransactionRecorded, "t1")); err != nil {
		t.Fatalf("record event: %v", err)
	}
	// Redelivery.
	if err := w.HandleLedgerEvent(ctx, event(amqp.EventTransactionRecorded, "t1")); err != nil {
		t.Fatalf("redelivered event: %v", err)
	}
	if rows := mirror.Rows(); len(rows) != 1 || rows[0].ID != "t1" {
		t.Fatalf("rows after record = %+v", rows)
	}

	if err := w.HandleLedgerEvent(ctx, event(amqp.EventTransactionDeleted, "t1")); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	if rows := mirror.Rows(); len(rows) != 0 {
		t.Fatalf("rows after delete = %+v", rows)
	}
	if len(auditor.owners) != 3 || auditor.owners[0] != "alice" {
		t.Errorf("audited owners = %v, want alice three times", auditor.owners)
	}
}

func TestLedgerWorker_MirrorFailureRequestsRedelivery(t *testing.T) {
	w := NewLedgerWorker(failingMirror{}, nil)
	for _, kind := range []amqp.EventKind{amqp.EventTransactionRecorded, amqp.EventTransactionDeleted} {
		if err := w.HandleLedgerEvent(context.Background(), event(kind, "t1")); err == nil {
			t.Errorf("%s: expected error from failing mirror", kind)
		}
	}
}

func TestLedgerWorker_AuditFailureIsNotFatal(t *testing.T) {
	w := NewLedgerWorker(nil, &fakeAuditor{err: errors.New("store down")})
	if err := w.HandleLedgerEvent(context.Background(), event(amqp.EventTransactionRecorded, "t1")); err != nil {
		t.Fatalf("HandleLedgerEvent() error = %v, want nil", err)
	}
}

func TestLedgerWorker_UnknownKind(t *testing.T) {
	w := NewLedgerWorker(memory.New(), nil)
	if err := w.HandleLedgerEvent(context.Background(), event("transaction.archived", "t1")); err == nil {
		t.Fatal("expected error for unknown event kind")
	}
}

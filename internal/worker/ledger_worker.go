package worker

import (
	"context"
	"fmt"
	"log/slog"

	"ledgerd/internal/amqp"
	"ledgerd/internal/core"
	"ledgerd/internal/sheets"
)

// OwnerAuditor checks one owner's stored balances against the log.
type OwnerAuditor interface {
	Audit(ctx context.Context, owner string) (core.AuditReport, error)
}

// LedgerWorker consumes committed ledger events. It mirrors each transaction
// into the configured sheet and, when an auditor is set, re-audits the owner
// the event touched.
type LedgerWorker struct {
	mirror  sheets.TransactionMirror
	auditor OwnerAuditor
}

// NewLedgerWorker creates a worker. Either dependency may be nil, in which
// case that step is skipped.
func NewLedgerWorker(mirror sheets.TransactionMirror, auditor OwnerAuditor) *LedgerWorker {
	return &LedgerWorker{mirror: mirror, auditor: auditor}
}

// HandleLedgerEvent processes a single event. A returned error asks the
// broker to redeliver; mirror writes are idempotent per transaction id.
func (w *LedgerWorker) HandleLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error {
	slog.InfoContext(ctx, "Processing ledger event",
		"kind", ev.Kind,
		"owner_id", ev.OwnerID,
		"transaction_id", ev.Transaction.ID)

	if err := w.mirrorEvent(ctx, ev); err != nil {
		return err
	}

	if w.auditor != nil {
		report, err := w.auditor.Audit(ctx, ev.OwnerID)
		if err != nil {
			// Audits are advisory; a failed one must not redeliver the event.
			slog.WarnContext(ctx, "Post-event audit failed",
				"owner_id", ev.OwnerID,
				"error", err)
		} else if !report.Consistent() {
			slog.ErrorContext(ctx, "Owner ledger inconsistent after event",
				"owner_id", ev.OwnerID,
				"transaction_id", ev.Transaction.ID,
				"drifted_accounts", len(report.Accounts),
				"summary_consistent", report.SummaryConsistent)
		}
	}
	return nil
}

func (w *LedgerWorker) mirrorEvent(ctx context.Context, ev *amqp.LedgerEvent) error {
	if w.mirror == nil {
		return nil
	}

	switch ev.Kind {
	case amqp.EventTransactionRecorded:
		ref, err := w.mirror.AppendTransaction(ctx, ev.Transaction)
		if err != nil {
			return fmt.Errorf("mirror transaction %s: %w", ev.Transaction.ID, err)
		}
		slog.InfoContext(ctx, "Mirrored transaction",
			"transaction_id", ev.Transaction.ID,
			"sheets_ref", ref)
	case amqp.EventTransactionDeleted:
		if err := w.mirror.DeleteTransaction(ctx, ev.Transaction.ID); err != nil {
			return fmt.Errorf("remove mirrored transaction %s: %w", ev.Transaction.ID, err)
		}
		slog.InfoContext(ctx, "Removed mirrored transaction",
			"transaction_id", ev.Transaction.ID)
	default:
		return fmt.Errorf("unknown event kind: %s", ev.Kind)
	}
	return nil
}

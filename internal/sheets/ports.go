package sheets

import (
	"context"

	"ledgerd/internal/core"
)

// Ports for outbound adapters.
type (
	// TransactionWriter appends one row per recorded transaction.
	TransactionWriter interface {
		AppendTransaction(ctx context.Context, t core.Transaction) (rowRef string, err error)
	}

	// TransactionDeleter removes the row mirroring a deleted transaction.
	// Deleting a row that was never written is not an error.
	TransactionDeleter interface {
		DeleteTransaction(ctx context.Context, id string) error
	}

	// TransactionMirror keeps an external sheet in step with the ledger.
	TransactionMirror interface {
		TransactionWriter
		TransactionDeleter
	}
)

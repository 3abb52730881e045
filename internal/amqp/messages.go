package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"ledgerd/internal/core"
)

// EventKind names what happened to a transaction.
type EventKind string

const (
	EventTransactionRecorded EventKind = "transaction.recorded"
	EventTransactionDeleted  EventKind = "transaction.deleted"
)

func (k EventKind) Valid() bool {
	return k == EventTransactionRecorded || k == EventTransactionDeleted
}

// LedgerEvent is published after a record or delete committed. It carries the
// full transaction snapshot so consumers never read back a row that may
// already be gone.
type LedgerEvent struct {
	Kind        EventKind        `json:"kind"`
	OwnerID     string           `json:"owner_id"`
	Transaction core.Transaction `json:"transaction"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewLedgerEvent creates an event for txn stamped with the current time.
func NewLedgerEvent(kind EventKind, txn core.Transaction) *LedgerEvent {
	return &LedgerEvent{
		Kind:        kind,
		OwnerID:     txn.OwnerID,
		Transaction: txn,
		Timestamp:   time.Now().UTC(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// LedgerEventFromJSON decodes and sanity-checks an event.
func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var ev LedgerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.OwnerID == "" || ev.Transaction.ID == "" {
		return nil, fmt.Errorf("event without owner or transaction id")
	}
	return &ev, nil
}

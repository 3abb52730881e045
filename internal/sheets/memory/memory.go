package memory

import (
	"context"
	"fmt"
	"sync"

	"ledgerd/internal/core"
	ports "ledgerd/internal/sheets"
)

var _ ports.TransactionMirror = (*Store)(nil)

// Store is an in-process mirror used when no spreadsheet is configured and
// in tests.
type Store struct {
	mu    sync.Mutex
	rows  []core.Transaction
	total int
}

func New() *Store {
	return &Store{}
}

// AppendTransaction stores t and returns a synthetic row reference. A
// transaction already mirrored keeps its original row.
func (s *Store) AppendTransaction(_ context.Context, t core.Transaction) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("transaction without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == t.ID {
			return fmt.Sprintf("mem:%d", i+1), nil
		}
	}
	s.rows = append(s.rows, t)
	s.total++
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

// Rows returns a copy of the mirrored transactions in append order.
func (s *Store) Rows() []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Transaction(nil), s.rows...)
}

// Appended counts rows ever written, including ones later deleted.
func (s *Store) Appended() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

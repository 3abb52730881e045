package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched with errors.Is by callers that only care about the class
// of failure. The typed errors below unwrap to them.
var (
	ErrInvalid      = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrent modification")
	ErrUnavailable  = errors.New("store unavailable")
	ErrAccountInUse = errors.New("account referenced by transactions")
)

// FieldError names one offending input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed input. It is never partially applied.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrInvalid.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrInvalid.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Add records a problem with field.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Has reports whether field was flagged.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// OrNil returns e when at least one field was flagged, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NotFoundError reports a missing account, transaction, budget or category.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned once the store gave up retrying an atomic unit
// that kept colliding with concurrent writers. Callers should retry.
type ConflictError struct {
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v after %d attempts", ErrConflict, e.Attempts)
	}
	return fmt.Sprintf("%v after %d attempts: %v", ErrConflict, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConflict}
	}
	return []error{ErrConflict, e.Err}
}

// StoreUnavailableError wraps transport or persistence failures, including
// per-operation timeouts. When returned from an atomic unit nothing was applied.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v during %s", ErrUnavailable, e.Op)
	}
	return fmt.Sprintf("%v during %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}

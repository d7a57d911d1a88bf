// Package entitystore loads platform entities from ClickHouse into the
// resolved entity cache.
package entitystore

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("entitystore: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("entitystore: query failed")
)

// StoreError wraps entity store errors with operation context.
type StoreError struct {
	Op    string // Operation that failed (e.g., "Load", "Ping")
	Table string // Table involved, if applicable
	Err   error  // Underlying error
}

// Error returns the error message.
func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("entitystore.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("entitystore.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// wrapConnectionError wraps an error as a connection error.
func wrapConnectionError(op string, err error) error {
	return &StoreError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// wrapQueryError wraps an error as a query error.
func wrapQueryError(op, table string, err error) error {
	return &StoreError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

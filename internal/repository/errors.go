package repository

import (
	"errors"
	"fmt"

	"github.com/loofy147/ledgerjournal/internal/eventstore"
)

// PersistenceError wraps any Save failure that is not a
// ConcurrencyConflict (spec.md §4.3).
type PersistenceError struct {
	Aggregate string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("repository: persistence error for %s: %v", e.Aggregate, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrapSaveError(aggregateID string, err error) error {
	if err == nil {
		return nil
	}
	var conflict *eventstore.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		return err
	}
	return &PersistenceError{Aggregate: aggregateID, Err: err}
}

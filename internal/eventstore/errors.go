package eventstore

import (
	"errors"
	"fmt"
)

// ErrAggregateNotFound mirrors the teacher's sentinel for a load that
// found no events at all for the aggregate.
var ErrAggregateNotFound = errors.New("eventstore: aggregate not found")

// ConcurrencyConflictError is spec.md §7's ConcurrencyConflict kind:
// the caller's knownVersion (or the first event's version) disagreed
// with the store's actual max version for the aggregate.
type ConcurrencyConflictError struct {
	AggregateType string
	AggregateID   string
	Expected      int
	Actual        int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("eventstore: concurrency conflict for %s/%s: expected version %d, actual %d",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual)
}

// IsConcurrencyConflict reports whether err is (or wraps) a
// ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var ce *ConcurrencyConflictError
	return errors.As(err, &ce)
}

// Package eventstore is the encrypted event appender (spec.md §4.1):
// it validates optimistic concurrency, enforces contiguous per-
// aggregate versions, and assigns the local commit_sequence. It never
// sees plaintext — payloads arrive already AEAD-sealed.
//
// Grounded on go-eventstore/eventstore.go's AppendEvents/LoadEvents,
// generalized from a shared Postgres event table to the per-client
// SQLite schema in internal/localdb.
package eventstore

import "time"

// Event is a row of the local encrypted event log.
type Event struct {
	ID               string  `db:"id"`
	AggregateType    string  `db:"aggregate_type"`
	AggregateID      string  `db:"aggregate_id"`
	EventType        string  `db:"event_type"`
	PayloadEncrypted []byte  `db:"payload_encrypted"`
	KeyringUpdate    []byte  `db:"keyring_update"`
	Version          int     `db:"version"`
	OccurredAt       int64   `db:"occurred_at"` // epoch ms
	ActorID          string  `db:"actor_id"`
	CausationID      *string `db:"causation_id"`
	CorrelationID    *string `db:"correlation_id"`
	Epoch            *int    `db:"epoch"`
	CommitSequence   int64   `db:"commit_sequence"`
}

// OccurredAtTime converts OccurredAt to a time.Time.
func (e Event) OccurredAtTime() time.Time {
	return time.UnixMilli(e.OccurredAt)
}

// Package sync implements spec.md §4.9-4.11: the pull/push loops that
// reconcile a local encrypted event log with a remote store, the
// pending-event version rewriter that rebases local-only events past
// a newly-ingested remote tail, and the wire (de)materialization of
// one event row as a SyncEventRecord.
//
// Grounded on internal/clients/catalog_client.go's plain net/http
// client shape, generalized to the pull/push contract of spec.md §6
// and hardened with github.com/sony/gobreaker and
// github.com/cenkalti/backoff/v5 the way a sync engine that must
// tolerate a flaky remote, rather than a single request/response
// client, needs to be.
package sync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/loofy147/ledgerjournal/internal/eventstore"
)

// EventRecord is the wire shape of one event row (spec.md §6, "Record
// JSON"). Field order here is also json's encoding order, which is
// what gives recordJson its stable key order — Go's encoding/json
// always emits struct fields in declaration order.
type EventRecord struct {
	ID              string  `json:"id"`
	AggregateType   string  `json:"aggregateType"`
	AggregateID     string  `json:"aggregateId"`
	EventType       string  `json:"eventType"`
	Payload         string  `json:"payload"`
	Version         int     `json:"version"`
	OccurredAt      int64   `json:"occurredAt"`
	ActorID         *string `json:"actorId"`
	CausationID     *string `json:"causationId"`
	CorrelationID   *string `json:"correlationId"`
	Epoch           *int    `json:"epoch"`
	KeyringUpdate   *string `json:"keyringUpdate"`
}

// MaterializeRecord converts a local event row into its wire record.
func MaterializeRecord(e eventstore.Event) EventRecord {
	actorID := e.ActorID
	var keyringUpdate *string
	if len(e.KeyringUpdate) > 0 {
		encoded := base64.RawURLEncoding.EncodeToString(e.KeyringUpdate)
		keyringUpdate = &encoded
	}
	return EventRecord{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       base64.RawURLEncoding.EncodeToString(e.PayloadEncrypted),
		Version:       e.Version,
		OccurredAt:    e.OccurredAt,
		ActorID:       &actorID,
		CausationID:   e.CausationID,
		CorrelationID: e.CorrelationID,
		Epoch:         e.Epoch,
		KeyringUpdate: keyringUpdate,
	}
}

// SerializeRecord renders the canonical recordJson for an event row.
func SerializeRecord(e eventstore.Event) (string, error) {
	raw, err := json.Marshal(MaterializeRecord(e))
	if err != nil {
		return "", fmt.Errorf("sync: serialize record: %w", err)
	}
	return string(raw), nil
}

// Dematerialize parses recordJson, validates its shape, and decodes
// its base64url fields back into an eventstore.Event ready for
// INSERT OR IGNORE. eventID is the id the transport associated with
// this record (the pull response's per-event eventId, or the record's
// own id on push); a mismatch against record.id is fatal per
// spec.md §4.11.
func Dematerialize(recordJSON string, eventID string) (eventstore.Event, error) {
	var rec EventRecord
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return eventstore.Event{}, fmt.Errorf("sync: parse record: %w", err)
	}
	if rec.ID == "" || rec.AggregateType == "" || rec.AggregateID == "" || rec.EventType == "" {
		return eventstore.Event{}, fmt.Errorf("sync: record missing required field: %+v", rec)
	}
	if rec.ID != eventID {
		return eventstore.Event{}, fmt.Errorf("sync: record.id %q does not match eventId %q", rec.ID, eventID)
	}

	payload, err := base64.RawURLEncoding.DecodeString(rec.Payload)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("sync: decode payload: %w", err)
	}
	var keyringUpdate []byte
	if rec.KeyringUpdate != nil {
		keyringUpdate, err = base64.RawURLEncoding.DecodeString(*rec.KeyringUpdate)
		if err != nil {
			return eventstore.Event{}, fmt.Errorf("sync: decode keyring update: %w", err)
		}
	}

	var actorID string
	if rec.ActorID != nil {
		actorID = *rec.ActorID
	}

	return eventstore.Event{
		ID:               rec.ID,
		AggregateType:    rec.AggregateType,
		AggregateID:      rec.AggregateID,
		EventType:        rec.EventType,
		PayloadEncrypted: payload,
		KeyringUpdate:    keyringUpdate,
		Version:          rec.Version,
		OccurredAt:       rec.OccurredAt,
		ActorID:          actorID,
		CausationID:      rec.CausationID,
		CorrelationID:    rec.CorrelationID,
		Epoch:            rec.Epoch,
	}, nil
}

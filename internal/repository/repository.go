// Package repository implements spec.md §4.3: load an aggregate from
// its snapshot plus tail events, decrypting via the keyring; save
// pending events by encrypting each with a version-bound AAD and
// appending them, then re-snapshotting.
//
// Grounded on circulation/implementation.go's load-current-state,
// decide, append-with-knownVersion shape, generalized from a single
// read-model table to the generic encrypted snapshot+event pattern.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/snapshotstore"
)

// Reducer folds one decoded event payload into state. Unrecognized
// event types must return state unchanged (spec.md §9).
type Reducer[S any] func(state S, eventType string, data json.RawMessage) (S, error)

// PendingEvent is one event a command handler wants appended.
type PendingEvent struct {
	EventType     string
	Data          any
	OccurredAt    time.Time
	ActorID       string
	CausationID   *string
	CorrelationID *string
}

// Loaded is the result of Load: the folded state, its version, and the
// resolved aggregate key (reused by Save to avoid a second keyring
// round trip).
type Loaded[S any] struct {
	State   S
	Version int
	Key     ledgercrypto.AggregateKey
}

// Repository is a generic per-aggregate-type event-sourced repository.
type Repository[S any] struct {
	AggregateType string

	appender  *eventstore.Appender
	snapshots *snapshotstore.Store
	aead      ledgercrypto.CryptoServicePort
	keyring   ledgercrypto.KeyringManager
	codec     Codec
	reduce    Reducer[S]
	zero      func(aggregateID string) S
}

// Codec is the subset of codec.Registry the repository needs, kept as
// an interface so tests can stub it.
type Codec interface {
	Encode(eventType string, data any) ([]byte, error)
	Decode(eventType string, raw []byte, target any) error
}

func New[S any](aggregateType string, appender *eventstore.Appender, snapshots *snapshotstore.Store, aead ledgercrypto.CryptoServicePort, keyring ledgercrypto.KeyringManager, codec Codec, reduce Reducer[S], zero func(aggregateID string) S) *Repository[S] {
	return &Repository[S]{
		AggregateType: aggregateType,
		appender:      appender,
		snapshots:     snapshots,
		aead:          aead,
		keyring:       keyring,
		codec:         codec,
		reduce:        reduce,
		zero:          zero,
	}
}

// Load fetches the snapshot (if any), replays tail events, and
// reconstitutes the aggregate. A brand-new aggregate (no snapshot, no
// events, no key) returns the zero state at version 0.
func (r *Repository[S]) Load(ctx context.Context, aggregateID string) (*Loaded[S], error) {
	state := r.zero(aggregateID)
	version := 0

	key, err := r.keyring.ResolveKeyForEvent(ledgercrypto.EventKeyRef{AggregateType: r.AggregateType, AggregateID: aggregateID})
	keyKnown := err == nil
	if err != nil && err != ledgercrypto.ErrMissingKey {
		return nil, fmt.Errorf("repository: resolve key: %w", err)
	}

	if keyKnown {
		if snap, ok, serr := r.snapshots.Get(ctx, r.AggregateType, aggregateID, key, &state); serr != nil {
			return nil, fmt.Errorf("repository: load snapshot: %w", serr)
		} else if ok {
			version = snap.SnapshotVersion
		}
	}

	tail, err := r.appender.LoadTail(ctx, r.AggregateType, aggregateID, version+1)
	if err != nil {
		return nil, fmt.Errorf("repository: load tail: %w", err)
	}

	for _, e := range tail {
		eventKey, kerr := r.keyring.ResolveKeyForEvent(ledgercrypto.EventKeyRef{
			AggregateType: r.AggregateType,
			AggregateID:   aggregateID,
			Epoch:         e.Epoch,
			KeyringUpdate: e.KeyringUpdate,
		})
		if kerr != nil {
			return nil, fmt.Errorf("repository: resolve event key: %w", kerr)
		}
		key = eventKey

		plaintext, derr := r.aead.Decrypt(e.PayloadEncrypted, key, ledgercrypto.BuildEventAAD(r.AggregateType, aggregateID, e.EventType, e.Version))
		if derr != nil {
			return nil, fmt.Errorf("repository: decrypt event v%d: %w", e.Version, derr)
		}

		// Decode through the codec registry (not raw JSON) so upcasters run.
		var decoded json.RawMessage
		if err := r.codec.Decode(e.EventType, plaintext, &decoded); err != nil {
			return nil, fmt.Errorf("repository: decode event v%d: %w", e.Version, err)
		}

		state, err = r.reduce(state, e.EventType, decoded)
		if err != nil {
			return nil, fmt.Errorf("repository: reduce event v%d: %w", e.Version, err)
		}
		version = e.Version
	}

	return &Loaded[S]{State: state, Version: version, Key: key}, nil
}

// Save encrypts and appends pendingEvents (expected to start right
// after knownVersion), then re-snapshots newState. Any non-
// ConcurrencyConflict failure is wrapped as PersistenceError.
func (r *Repository[S]) Save(ctx context.Context, aggregateID string, knownVersion int, key ledgercrypto.AggregateKey, pendingEvents []PendingEvent, newState S) ([]eventstore.Event, error) {
	if len(pendingEvents) == 0 {
		return nil, nil
	}

	if key == nil {
		generated, err := r.aead.GenerateKey()
		if err != nil {
			return nil, wrapSaveError(aggregateID, fmt.Errorf("generate key: %w", err))
		}
		key = generated
	}

	toAppend := make([]eventstore.Event, len(pendingEvents))
	var keyringUpdate *ledgercrypto.KeyringUpdate
	if knownVersion == 0 {
		ku, err := r.keyring.CreateInitialUpdate(aggregateID, key, pendingEvents[0].OccurredAt)
		if err != nil {
			return nil, wrapSaveError(aggregateID, fmt.Errorf("create initial keyring update: %w", err))
		}
		keyringUpdate = ku
	}

	for i, pe := range pendingEvents {
		version := knownVersion + i + 1
		payload, err := r.codec.Encode(pe.EventType, pe.Data)
		if err != nil {
			return nil, wrapSaveError(aggregateID, err)
		}
		ciphertext, err := r.aead.Encrypt(payload, key, ledgercrypto.BuildEventAAD(r.AggregateType, aggregateID, pe.EventType, version))
		if err != nil {
			return nil, wrapSaveError(aggregateID, fmt.Errorf("encrypt event v%d: %w", version, err))
		}

		ev := eventstore.Event{
			ID:               uuid.NewString(),
			EventType:        pe.EventType,
			PayloadEncrypted: ciphertext,
			Version:          version,
			OccurredAt:       pe.OccurredAt.UnixMilli(),
			ActorID:          pe.ActorID,
			CausationID:      pe.CausationID,
			CorrelationID:    pe.CorrelationID,
		}
		if i == 0 && keyringUpdate != nil {
			ev.KeyringUpdate = keyringUpdate.Ciphertext
			epoch := keyringUpdate.Epoch
			ev.Epoch = &epoch
		}
		toAppend[i] = ev
	}

	kv := knownVersion
	appended, err := r.appender.AppendForAggregate(ctx, r.AggregateType, aggregateID, &kv, toAppend)
	if err != nil {
		return nil, wrapSaveError(aggregateID, err)
	}

	lastCommitSeq := appended[len(appended)-1].CommitSequence
	newVersion := appended[len(appended)-1].Version
	if err := r.snapshots.Put(ctx, r.AggregateType, aggregateID, newVersion, newState, key, cursor.EffectiveCursor{PendingCommitSequence: lastCommitSeq}); err != nil {
		return nil, wrapSaveError(aggregateID, fmt.Errorf("put snapshot: %w", err))
	}

	return appended, nil
}

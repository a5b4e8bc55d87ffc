// Package snapshot implements the per-aggregate-type snapshot
// projector of spec.md §4.5: it replays events through a typed
// reducer, keeps an in-memory map of list items, and persists the
// whole map as one encrypted blob.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/projection"
)

// Reducer folds one decoded event into an aggregate's own state, the
// same shape internal/repository uses.
type Reducer[S any] func(state S, eventType string, data json.RawMessage) (S, error)

// Codec is the subset of codec.Registry the projector needs.
type Codec interface {
	Decode(eventType string, raw []byte, target any) error
}

// Entry is one aggregate's snapshotted state plus archival bookkeeping.
type Entry[S any] struct {
	State      S     `json:"state"`
	Version    int   `json:"version"`
	Archived   bool  `json:"archived,omitempty"`
	ArchivedAt int64 `json:"archivedAt,omitempty"`
}

type blob[S any] struct {
	Entries map[string]Entry[S] `json:"entries"`
}

// Projector is a projection.Processor maintaining snapshots+ListItems
// for one aggregate type.
type Projector[S any] struct {
	ProjectionID  string
	AggregateType string
	scopeKey      string

	aead     ledgercrypto.CryptoServicePort
	keyring  ledgercrypto.KeyringManager
	keystore ledgercrypto.KeyStorePort
	cache    *projection.CacheStore
	codec    Codec
	reduce   Reducer[S]
	zero     func(aggregateID string) S
	isArchive func(eventType string) bool

	mu           sync.Mutex
	entries      map[string]Entry[S]
	cacheVersion int
	cacheKey     ledgercrypto.AggregateKey
}

const scopeKeyAll = "all"

func New[S any](projectionID, aggregateType string, db *sqlx.DB, aead ledgercrypto.CryptoServicePort, keyring ledgercrypto.KeyringManager, keystore ledgercrypto.KeyStorePort, codec Codec, reduce Reducer[S], zero func(aggregateID string) S, isArchive func(eventType string) bool) (*Projector[S], error) {
	p := &Projector[S]{
		ProjectionID:  projectionID,
		AggregateType: aggregateType,
		scopeKey:      scopeKeyAll,
		aead:          aead,
		keyring:       keyring,
		keystore:      keystore,
		cache:         projection.NewCacheStore(db, aead),
		codec:         codec,
		reduce:        reduce,
		zero:          zero,
		isArchive:     isArchive,
		entries:       make(map[string]Entry[S]),
	}

	key, ok, err := keystore.GetAggregateKey(cacheKeyID(projectionID, p.scopeKey))
	if err != nil {
		return nil, fmt.Errorf("snapshot projector: load cache key: %w", err)
	}
	if !ok {
		key, err = aead.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("snapshot projector: generate cache key: %w", err)
		}
		if err := keystore.SaveAggregateKey(cacheKeyID(projectionID, p.scopeKey), key); err != nil {
			return nil, fmt.Errorf("snapshot projector: save cache key: %w", err)
		}
	}
	p.cacheKey = key

	if raw, version, found, err := p.cache.Get(context.Background(), projectionID, p.scopeKey, key); err != nil {
		return nil, fmt.Errorf("snapshot projector: load cache: %w", err)
	} else if found {
		var b blob[S]
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("snapshot projector: decode cache: %w", err)
		}
		p.entries = b.Entries
		p.cacheVersion = version
	}

	return p, nil
}

func cacheKeyID(projectionID, scopeKey string) string {
	return "projection:" + projectionID + ":" + scopeKey
}

// ApplyEvent implements projection.Processor.
func (p *Projector[S]) ApplyEvent(ctx context.Context, event eventstore.Event, cursorAfter cursor.EffectiveCursor, lastCommitSequence int64) error {
	key, err := p.keyring.ResolveKeyForEvent(ledgercrypto.EventKeyRef{
		AggregateType: p.AggregateType,
		AggregateID:   event.AggregateID,
		Epoch:         event.Epoch,
		KeyringUpdate: event.KeyringUpdate,
	})
	if err != nil {
		return fmt.Errorf("snapshot projector: resolve event key: %w", err)
	}

	plaintext, err := p.aead.Decrypt(event.PayloadEncrypted, key, ledgercrypto.BuildEventAAD(p.AggregateType, event.AggregateID, event.EventType, event.Version))
	if err != nil {
		return fmt.Errorf("snapshot projector: decrypt event: %w", err)
	}

	var data json.RawMessage
	if err := p.codec.Decode(event.EventType, plaintext, &data); err != nil {
		return fmt.Errorf("snapshot projector: decode event: %w", err)
	}

	p.mu.Lock()
	entry, ok := p.entries[event.AggregateID]
	state := entry.State
	if !ok {
		state = p.zero(event.AggregateID)
	}
	newState, err := p.reduce(state, event.EventType, data)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("snapshot projector: reduce event: %w", err)
	}
	newEntry := Entry[S]{State: newState, Version: entry.Version + 1}
	if p.isArchive(event.EventType) {
		newEntry.Archived = true
		newEntry.ArchivedAt = event.OccurredAt
	} else {
		newEntry.Archived = entry.Archived
		newEntry.ArchivedAt = entry.ArchivedAt
	}
	p.entries[event.AggregateID] = newEntry
	p.cacheVersion++
	snapshot := p.snapshotLocked()
	version := p.cacheVersion
	p.mu.Unlock()

	raw, err := json.Marshal(blob[S]{Entries: snapshot})
	if err != nil {
		return fmt.Errorf("snapshot projector: marshal cache: %w", err)
	}
	return p.cache.Put(ctx, p.ProjectionID, p.scopeKey, version, raw, p.cacheKey, projection.OrderingEffectiveTotal, cursorAfter, event.OccurredAt)
}

// Reset implements projection.Processor: wipes the in-memory and
// persisted cache so the runtime rebuilds from scratch.
func (p *Projector[S]) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.entries = make(map[string]Entry[S])
	p.cacheVersion = 0
	p.mu.Unlock()
	return p.cache.Purge(ctx, p.ProjectionID, p.scopeKey)
}

// List returns the active (non-archived) items, suitable for a UI list
// view. Archived aggregates are retained in the snapshot but excluded
// here (spec.md §4.5).
func (p *Projector[S]) List() []S {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := make([]S, 0, len(p.entries))
	for _, e := range p.entries {
		if !e.Archived {
			items = append(items, e.State)
		}
	}
	return items
}

// Get returns one aggregate's current snapshotted state, including
// archived ones.
func (p *Projector[S]) Get(aggregateID string) (S, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[aggregateID]
	return e.State, ok
}

func (p *Projector[S]) snapshotLocked() map[string]Entry[S] {
	out := make(map[string]Entry[S], len(p.entries))
	for k, v := range p.entries {
		out[k] = v
	}
	return out
}

// Package search implements the hand-rolled in-memory inverted-index
// search projector of spec.md §4.6. It is not wired to an external
// search server (see DESIGN.md "Dropped dependencies" for
// meilisearch-go) because it must operate on decrypted documents held
// only in local process memory and persist only encrypted artifacts.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/projection"
)

// State is the projector's own lifecycle (spec.md §4.6): missing ->
// building -> ready.
type State string

const (
	StateMissing  State = "missing"
	StateBuilding State = "building"
	StateReady    State = "ready"
)

// Reducer folds one decoded event into an aggregate's own state.
type Reducer[S any] func(state S, eventType string, data json.RawMessage) (S, error)

// Codec is the subset of codec.Registry the projector needs.
type Codec interface {
	Decode(eventType string, raw []byte, target any) error
}

// Document is one indexed aggregate.
type Document[S any] struct {
	ID        string `json:"id"`
	State     S      `json:"state"`
	CreatedAt int64  `json:"createdAt"`
	Archived  bool   `json:"archived"`
}

type artifact[S any] struct {
	Docs map[string]Document[S] `json:"docs"`
}

// Projector is a projection.Processor maintaining an inverted index
// over one aggregate type's list items.
type Projector[S any] struct {
	ProjectionID   string
	AggregateType  string
	scopeKey       string
	FuzzyThreshold float64

	aead     ledgercrypto.CryptoServicePort
	keyring  ledgercrypto.KeyringManager
	keystore ledgercrypto.KeyStorePort
	index    *projection.IndexStore
	codec    Codec
	reduce   Reducer[S]
	zero     func(aggregateID string) S
	terms    func(state S) []string
	isArchive func(eventType string) bool

	mu      sync.Mutex
	docs    map[string]Document[S]
	inverted map[string]map[string]struct{} // term -> doc IDs
	dirty   bool
	state   State
	version int
	cacheKey ledgercrypto.AggregateKey
}

const scopeKeyAll = "all"

func New[S any](projectionID, aggregateType string, db *sqlx.DB, aead ledgercrypto.CryptoServicePort, keyring ledgercrypto.KeyringManager, keystore ledgercrypto.KeyStorePort, codec Codec, reduce Reducer[S], zero func(aggregateID string) S, terms func(state S) []string, isArchive func(eventType string) bool, fuzzyThreshold float64) (*Projector[S], error) {
	p := &Projector[S]{
		ProjectionID:   projectionID,
		AggregateType:  aggregateType,
		scopeKey:       scopeKeyAll,
		FuzzyThreshold: fuzzyThreshold,
		aead:           aead,
		keyring:        keyring,
		keystore:       keystore,
		index:          projection.NewIndexStore(db, aead),
		codec:          codec,
		reduce:         reduce,
		zero:           zero,
		terms:          terms,
		isArchive:      isArchive,
		docs:           make(map[string]Document[S]),
		inverted:       make(map[string]map[string]struct{}),
		state:          StateMissing,
	}

	keyID := "projection:" + projectionID + ":" + p.scopeKey
	key, ok, err := keystore.GetAggregateKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("search projector: load index key: %w", err)
	}
	if !ok {
		key, err = aead.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("search projector: generate index key: %w", err)
		}
		if err := keystore.SaveAggregateKey(keyID, key); err != nil {
			return nil, fmt.Errorf("search projector: save index key: %w", err)
		}
	}
	p.cacheKey = key
	return p, nil
}

// EnsureBuilt attempts to decrypt the persisted artifact; on failure
// or absence it rebuilds the index from whatever documents have been
// applied so far (spec.md §4.6).
func (p *Projector[S]) EnsureBuilt(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateReady {
		return nil
	}
	p.state = StateBuilding

	raw, version, found, err := p.index.Get(ctx, p.ProjectionID, p.scopeKey, p.cacheKey)
	if err != nil {
		return fmt.Errorf("search projector: load artifact: %w", err)
	}
	if found {
		var a artifact[S]
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("search projector: decode artifact: %w", err)
		}
		p.docs = a.Docs
		p.version = version
	}
	p.rebuildInvertedLocked()
	p.state = StateReady
	return nil
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
		return fmt.Errorf("search projector: resolve event key: %w", err)
	}
	plaintext, err := p.aead.Decrypt(event.PayloadEncrypted, key, ledgercrypto.BuildEventAAD(p.AggregateType, event.AggregateID, event.EventType, event.Version))
	if err != nil {
		return fmt.Errorf("search projector: decrypt event: %w", err)
	}
	var data json.RawMessage
	if err := p.codec.Decode(event.EventType, plaintext, &data); err != nil {
		return fmt.Errorf("search projector: decode event: %w", err)
	}

	p.mu.Lock()
	doc, ok := p.docs[event.AggregateID]
	state := doc.State
	createdAt := doc.CreatedAt
	if !ok {
		state = p.zero(event.AggregateID)
		createdAt = event.OccurredAt
	}
	newState, err := p.reduce(state, event.EventType, data)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("search projector: reduce event: %w", err)
	}
	newDoc := Document[S]{ID: event.AggregateID, State: newState, CreatedAt: createdAt, Archived: p.isArchive(event.EventType) || doc.Archived}
	p.docs[event.AggregateID] = newDoc
	p.reindexLocked(newDoc)
	p.dirty = true
	p.version++
	version := p.version
	p.mu.Unlock()

	return p.flush(ctx, version, cursorAfter, event.OccurredAt)
}

// PersistIndex flushes the artifact if dirty (spec.md §4.6's dirty
// bit). Safe to call even when nothing changed.
func (p *Projector[S]) PersistIndex(ctx context.Context, eff cursor.EffectiveCursor, writtenAt int64) error {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	version := p.version
	p.mu.Unlock()
	return p.flush(ctx, version, eff, writtenAt)
}

func (p *Projector[S]) flush(ctx context.Context, version int, eff cursor.EffectiveCursor, writtenAt int64) error {
	p.mu.Lock()
	docsCopy := make(map[string]Document[S], len(p.docs))
	for k, v := range p.docs {
		docsCopy[k] = v
	}
	p.mu.Unlock()

	raw, err := json.Marshal(artifact[S]{Docs: docsCopy})
	if err != nil {
		return fmt.Errorf("search projector: marshal artifact: %w", err)
	}
	if err := p.index.Put(ctx, p.ProjectionID, p.scopeKey, version, raw, p.cacheKey, eff, writtenAt); err != nil {
		return err
	}
	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
	return nil
}

// Reset implements projection.Processor.
func (p *Projector[S]) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.docs = make(map[string]Document[S])
	p.inverted = make(map[string]map[string]struct{})
	p.dirty = false
	p.version = 0
	p.state = StateMissing
	p.mu.Unlock()
	return p.index.Purge(ctx, p.ProjectionID, p.scopeKey)
}

// Search implements spec.md §4.6's contract: an empty term returns all
// documents (filtered by predicate); a non-empty term matches by
// prefix or bounded fuzzy distance against the indexed terms. Results
// are sorted deterministically by CreatedAt descending.
func (p *Projector[S]) Search(term string, predicate func(S) bool) []Document[S] {
	p.mu.Lock()
	defer p.mu.Unlock()

	term = strings.ToLower(strings.TrimSpace(term))
	var ids map[string]struct{}
	if term == "" {
		ids = make(map[string]struct{}, len(p.docs))
		for id := range p.docs {
			ids[id] = struct{}{}
		}
	} else {
		ids = p.matchLocked(term)
	}

	out := make([]Document[S], 0, len(ids))
	for id := range ids {
		doc := p.docs[id]
		if predicate == nil || predicate(doc.State) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (p *Projector[S]) matchLocked(term string) map[string]struct{} {
	matches := make(map[string]struct{})
	for indexedTerm, ids := range p.inverted {
		if strings.HasPrefix(indexedTerm, term) {
			for id := range ids {
				matches[id] = struct{}{}
			}
			continue
		}
		if fuzzyMatch(term, indexedTerm, p.FuzzyThreshold) {
			for id := range ids {
				matches[id] = struct{}{}
			}
		}
	}
	return matches
}

func (p *Projector[S]) reindexLocked(doc Document[S]) {
	for term, ids := range p.inverted {
		delete(ids, doc.ID)
		if len(ids) == 0 {
			delete(p.inverted, term)
		}
	}
	for _, term := range tokenize(p.terms(doc.State)) {
		if p.inverted[term] == nil {
			p.inverted[term] = make(map[string]struct{})
		}
		p.inverted[term][doc.ID] = struct{}{}
	}
}

func (p *Projector[S]) rebuildInvertedLocked() {
	p.inverted = make(map[string]map[string]struct{})
	for _, doc := range p.docs {
		for _, term := range tokenize(p.terms(doc.State)) {
			if p.inverted[term] == nil {
				p.inverted[term] = make(map[string]struct{})
			}
			p.inverted[term][doc.ID] = struct{}{}
		}
	}
}

func tokenize(fields []string) []string {
	var out []string
	for _, f := range fields {
		for _, w := range strings.Fields(strings.ToLower(f)) {
			out = append(out, w)
		}
	}
	return out
}

// fuzzyMatch reports whether term is within a normalized Levenshtein
// distance of threshold from candidate (0 means exact match only).
func fuzzyMatch(term, candidate string, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	dist := levenshtein(term, candidate)
	maxLen := len(term)
	if len(candidate) > maxLen {
		maxLen = len(candidate)
	}
	if maxLen == 0 {
		return true
	}
	return float64(dist)/float64(maxLen) <= threshold
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

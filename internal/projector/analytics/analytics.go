// Package analytics implements the goals analytics projector of
// spec.md §4.7: monthly totals and category rollups kept as sparse
// maps, updated by delta (−1 at the previous (month, category) key,
// +1 at the next one) as each goal's state changes. Only active
// (non-archived) aggregates participate.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/projection"
)

// Reducer folds one decoded event into an aggregate's own state.
type Reducer[S any] func(state S, eventType string, data json.RawMessage) (S, error)

// Codec is the subset of codec.Registry the projector needs.
type Codec interface {
	Decode(eventType string, raw []byte, target any) error
}

// Key is one (month, category) rollup slice. Month is "YYYY-MM".
type Key struct {
	Month    string `json:"month"`
	Category string `json:"category"`
}

func (k Key) flatten() string { return k.Month + "|" + k.Category }

type blob[S any] struct {
	MonthTotals         map[string]int  `json:"monthTotals"`
	CategoryTotals      map[string]int  `json:"categoryTotals"`
	MonthCategoryTotals map[string]int  `json:"monthCategoryTotals"`
	PrevKeys            map[string]*Key `json:"prevKeys"` // aggregateId -> last active key
	FoldedStates        map[string]S    `json:"foldedStates"`
}

// Projector is a projection.Processor maintaining analytics rollups
// for one aggregate type (spec.md §4.7 names goals specifically).
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
	// classify returns the category slice and whether the aggregate is
	// currently archived (archived aggregates are removed from the
	// rollups, per spec.md §4.7 "only active states participate").
	classify func(state S) (category string, archived bool)

	mu                  sync.Mutex
	monthTotals         map[string]int
	categoryTotals      map[string]int
	monthCategoryTotals map[string]int
	prevKeys            map[string]*Key
	foldedStates        map[string]S
	cacheVersion        int
	cacheKey            ledgercrypto.AggregateKey
}

const scopeKeyAll = "all"

func New[S any](projectionID, aggregateType string, db *sqlx.DB, aead ledgercrypto.CryptoServicePort, keyring ledgercrypto.KeyringManager, keystore ledgercrypto.KeyStorePort, codec Codec, reduce Reducer[S], zero func(aggregateID string) S, classify func(state S) (category string, archived bool)) (*Projector[S], error) {
	p := &Projector[S]{
		ProjectionID:        projectionID,
		AggregateType:       aggregateType,
		scopeKey:            scopeKeyAll,
		aead:                aead,
		keyring:             keyring,
		keystore:            keystore,
		cache:               projection.NewCacheStore(db, aead),
		codec:               codec,
		reduce:              reduce,
		zero:                zero,
		classify:            classify,
		monthTotals:         make(map[string]int),
		categoryTotals:      make(map[string]int),
		monthCategoryTotals: make(map[string]int),
		prevKeys:            make(map[string]*Key),
		foldedStates:        make(map[string]S),
	}

	keyID := "projection:" + projectionID + ":" + p.scopeKey
	key, ok, err := keystore.GetAggregateKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("analytics projector: load cache key: %w", err)
	}
	if !ok {
		key, err = aead.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("analytics projector: generate cache key: %w", err)
		}
		if err := keystore.SaveAggregateKey(keyID, key); err != nil {
			return nil, fmt.Errorf("analytics projector: save cache key: %w", err)
		}
	}
	p.cacheKey = key

	if raw, version, found, err := p.cache.Get(context.Background(), projectionID, p.scopeKey, key); err != nil {
		return nil, fmt.Errorf("analytics projector: load cache: %w", err)
	} else if found {
		var b blob[S]
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("analytics projector: decode cache: %w", err)
		}
		p.monthTotals = b.MonthTotals
		p.categoryTotals = b.CategoryTotals
		p.monthCategoryTotals = b.MonthCategoryTotals
		p.prevKeys = b.PrevKeys
		p.foldedStates = b.FoldedStates
		p.cacheVersion = version
	}

	return p, nil
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
		return fmt.Errorf("analytics projector: resolve event key: %w", err)
	}
	plaintext, err := p.aead.Decrypt(event.PayloadEncrypted, key, ledgercrypto.BuildEventAAD(p.AggregateType, event.AggregateID, event.EventType, event.Version))
	if err != nil {
		return fmt.Errorf("analytics projector: decrypt event: %w", err)
	}
	var data json.RawMessage
	if err := p.codec.Decode(event.EventType, plaintext, &data); err != nil {
		return fmt.Errorf("analytics projector: decode event: %w", err)
	}

	p.mu.Lock()
	state, ok := p.foldedStates[event.AggregateID]
	if !ok {
		state = p.zero(event.AggregateID)
	}
	newState, err := p.reduce(state, event.EventType, data)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("analytics projector: reduce event: %w", err)
	}
	p.foldedStates[event.AggregateID] = newState
	p.mu.Unlock()

	return p.applyFolded(ctx, event, newState, cursorAfter)
}

func (p *Projector[S]) applyFolded(ctx context.Context, event eventstore.Event, state S, eff cursor.EffectiveCursor) error {
	category, archived := p.classify(state)
	month := time.UnixMilli(event.OccurredAt).UTC().Format("2006-01")

	p.mu.Lock()
	prev := p.prevKeys[event.AggregateID]
	if prev != nil {
		p.monthTotals[prev.Month]--
		if p.monthTotals[prev.Month] == 0 {
			delete(p.monthTotals, prev.Month)
		}
		p.categoryTotals[prev.Category]--
		if p.categoryTotals[prev.Category] == 0 {
			delete(p.categoryTotals, prev.Category)
		}
		flat := prev.flatten()
		p.monthCategoryTotals[flat]--
		if p.monthCategoryTotals[flat] == 0 {
			delete(p.monthCategoryTotals, flat)
		}
	}

	var next *Key
	if !archived {
		next = &Key{Month: month, Category: category}
		p.monthTotals[next.Month]++
		p.categoryTotals[next.Category]++
		p.monthCategoryTotals[next.flatten()]++
	}
	p.prevKeys[event.AggregateID] = next
	p.cacheVersion++
	version := p.cacheVersion
	b := blob[S]{
		MonthTotals:         copyIntMap(p.monthTotals),
		CategoryTotals:      copyIntMap(p.categoryTotals),
		MonthCategoryTotals: copyIntMap(p.monthCategoryTotals),
		PrevKeys:            copyKeyMap(p.prevKeys),
		FoldedStates:        copyStateMap(p.foldedStates),
	}
	p.mu.Unlock()

	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("analytics projector: marshal cache: %w", err)
	}
	return p.cache.Put(ctx, p.ProjectionID, p.scopeKey, version, raw, p.cacheKey, projection.OrderingEffectiveTotal, eff, event.OccurredAt)
}

// Reset implements projection.Processor.
func (p *Projector[S]) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.monthTotals = make(map[string]int)
	p.categoryTotals = make(map[string]int)
	p.monthCategoryTotals = make(map[string]int)
	p.prevKeys = make(map[string]*Key)
	p.foldedStates = make(map[string]S)
	p.cacheVersion = 0
	p.mu.Unlock()
	return p.cache.Purge(ctx, p.ProjectionID, p.scopeKey)
}

// MonthTotal returns the current count of active aggregates in month.
func (p *Projector[S]) MonthTotal(month string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monthTotals[month]
}

// CategoryTotal returns the current count of active aggregates in category.
func (p *Projector[S]) CategoryTotal(category string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.categoryTotals[category]
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyKeyMap(m map[string]*Key) map[string]*Key {
	out := make(map[string]*Key, len(m))
	for k, v := range m {
		if v == nil {
			out[k] = nil
			continue
		}
		copied := *v
		out[k] = &copied
	}
	return out
}

func copyStateMap[S any](m map[string]S) map[string]S {
	out := make(map[string]S, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

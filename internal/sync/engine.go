package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/projection"
	"github.com/loofy147/ledgerjournal/internal/snapshotstore"
)

const (
	defaultPullLimit     = 250
	defaultPullWaitMs    = 20_000
	defaultPushBatchSize = 250
	defaultMaxPushRetries = 2
	pushDebounceInterval  = 100 * time.Millisecond
)

// OnRebaseRequired is invoked when newly-ingested remote events may
// have invalidated already-computed projections (spec.md §4.9 step 4).
// The caller is expected to reset and rebuild its projection runtimes.
type OnRebaseRequired func(ctx context.Context) error

// Engine is the sync engine of spec.md §4.9: cooperative pull and push
// loops plus a debounced push trigger, all serialized through
// internal/projection.TaskRunner the same way the projection runtime
// serializes its own batches (spec.md §5's single task scheduler).
type Engine struct {
	db        *sqlx.DB
	transport Port
	aead      ledgercrypto.CryptoServicePort
	keyring   ledgercrypto.KeyringManager
	snapshots *snapshotstore.Store
	storeID   string

	pullLimit      int
	pullWaitMs     int
	pushBatchSize  int
	maxPushRetries int

	onRebaseRequired OnRebaseRequired

	pullRunner *projection.TaskRunner
	pushRunner *projection.TaskRunner
	debounce   rate.Sometimes

	mu                sync.Mutex
	status            Status
	lastKnownHead      int64
	haveLastKnownHead  bool
	backoff            *backoffState
}

type backoffState struct {
	current Backoffer
}

// Backoffer is the narrow slice of backoff.BackOff the engine uses,
// kept as an interface so tests can stub it.
type Backoffer interface {
	NextBackOff() time.Duration
	Reset()
}

func New(db *sqlx.DB, transport Port, aead ledgercrypto.CryptoServicePort, keyring ledgercrypto.KeyringManager, snapshots *snapshotstore.Store, storeID string, onRebaseRequired OnRebaseRequired) *Engine {
	e := &Engine{
		db:               db,
		transport:        transport,
		aead:             aead,
		keyring:          keyring,
		snapshots:        snapshots,
		storeID:          storeID,
		pullLimit:        defaultPullLimit,
		pullWaitMs:       defaultPullWaitMs,
		pushBatchSize:    defaultPushBatchSize,
		maxPushRetries:   defaultMaxPushRetries,
		onRebaseRequired: onRebaseRequired,
		pullRunner:       projection.NewTaskRunner(),
		pushRunner:       projection.NewTaskRunner(),
		debounce:         rate.Sometimes{Interval: pushDebounceInterval},
		status:           IdleStatus(time.Time{}),
	}
	e.backoff = &backoffState{current: retryBackoff()}
	return e
}

// Status returns the engine's current externally-observable state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// NotifyLocalChange is the debounced push trigger of spec.md §4.9,
// meant to be called after every local event-table write. At most one
// push is scheduled per pushDebounceInterval.
func (e *Engine) NotifyLocalChange(ctx context.Context) {
	e.debounce.Do(func() {
		_ = e.pushRunner.Run(func() error { return e.PushOnce(ctx) })
	})
}

func (e *Engine) readLastPulledGlobalSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := e.db.GetContext(ctx, &seq, `SELECT last_pulled_global_seq FROM sync_meta WHERE store_id = ?`, e.storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sync: read sync_meta: %w", err)
	}
	return seq, nil
}

func (e *Engine) persistLastPulledGlobalSeq(ctx context.Context, seq int64) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO sync_meta (store_id, last_pulled_global_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (store_id) DO UPDATE SET
			last_pulled_global_seq = excluded.last_pulled_global_seq,
			updated_at = excluded.updated_at
		WHERE sync_meta.last_pulled_global_seq <= excluded.last_pulled_global_seq
	`, e.storeID, seq, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sync: persist sync_meta: %w", err)
	}
	return nil
}

func (e *Engine) hasPendingEvents(ctx context.Context) (bool, error) {
	var exists bool
	err := e.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM events e LEFT JOIN sync_event_map m ON m.event_id = e.id WHERE m.event_id IS NULL
		)
	`)
	if err != nil {
		return false, fmt.Errorf("sync: check pending events: %w", err)
	}
	return exists, nil
}

func (e *Engine) currentHead(ctx context.Context) (int64, error) {
	e.mu.Lock()
	if e.haveLastKnownHead {
		head := e.lastKnownHead
		e.mu.Unlock()
		return head, nil
	}
	e.mu.Unlock()
	return e.readLastPulledGlobalSeq(ctx)
}

func (e *Engine) setLastKnownHead(head int64) {
	e.mu.Lock()
	e.lastKnownHead = head
	e.haveLastKnownHead = true
	e.mu.Unlock()
}

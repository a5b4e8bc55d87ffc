package eventstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loofy147/ledgerjournal/internal/telemetry"
)

// Appender is the encrypted event appender of spec.md §4.1.
type Appender struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewAppender(db *sqlx.DB) *Appender {
	return &Appender{db: db, tracer: telemetry.Tracer("eventstore")}
}

// AppendForAggregate validates contiguity and optimistic concurrency,
// inserts events in order inside one transaction, and returns the rows
// with their assigned commit_sequence. Empty input is a no-op.
func (a *Appender) AppendForAggregate(ctx context.Context, aggregateType, aggregateID string, knownVersion *int, events []Event) ([]Event, error) {
	ctx, span := a.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.type", aggregateType),
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("event.count", len(events)),
		))
	defer span.End()

	if len(events) == 0 {
		return nil, nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	actual, err := maxVersionTx(ctx, tx, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query current version: %w", err)
	}

	if knownVersion != nil && *knownVersion != actual {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return nil, &ConcurrencyConflictError{AggregateType: aggregateType, AggregateID: aggregateID, Expected: *knownVersion, Actual: actual}
	}

	expectedStart := actual + 1
	if events[0].Version != expectedStart {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return nil, &ConcurrencyConflictError{AggregateType: aggregateType, AggregateID: aggregateID, Expected: events[0].Version - 1, Actual: actual}
	}
	for i := 1; i < len(events); i++ {
		if events[i].Version != events[i-1].Version+1 {
			return nil, fmt.Errorf("eventstore: non-contiguous version at index %d (got %d, want %d)", i, events[i].Version, events[i-1].Version+1)
		}
		if events[i].AggregateID != aggregateID {
			return nil, fmt.Errorf("eventstore: event %d has aggregateID %q, want %q", i, events[i].AggregateID, aggregateID)
		}
	}

	const insertSQL = `
		INSERT INTO events (id, aggregate_type, aggregate_id, event_type, payload_encrypted, keyring_update, version, occurred_at, actor_id, causation_id, correlation_id, epoch)
		VALUES (:id, :aggregate_type, :aggregate_id, :event_type, :payload_encrypted, :keyring_update, :version, :occurred_at, :actor_id, :causation_id, :correlation_id, :epoch)
	`

	appended := make([]Event, len(events))
	for i, ev := range events {
		ev.AggregateType = aggregateType
		ev.AggregateID = aggregateID

		stmt, err := tx.PrepareNamedContext(ctx, insertSQL)
		if err != nil {
			return nil, fmt.Errorf("eventstore: prepare insert: %w", err)
		}
		res, err := stmt.ExecContext(ctx, ev)
		stmt.Close()
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &ConcurrencyConflictError{AggregateType: aggregateType, AggregateID: aggregateID, Expected: ev.Version - 1, Actual: actual}
			}
			return nil, fmt.Errorf("eventstore: insert event %d: %w", i, err)
		}
		commitSeq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("eventstore: read commit sequence: %w", err)
		}
		ev.CommitSequence = commitSeq
		appended[i] = ev

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.commit_sequence", commitSeq),
			attribute.Int("event.version", ev.Version),
			attribute.String("event.type", ev.EventType),
		))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return appended, nil
}

func maxVersionTx(ctx context.Context, tx *sqlx.Tx, aggregateType, aggregateID string) (int, error) {
	var version int
	err := tx.GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?
	`, aggregateType, aggregateID)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return version, nil
}

// GetCurrentVersion returns the latest version for an aggregate, or 0
// if it has no events yet.
func (a *Appender) GetCurrentVersion(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	var version int
	err := a.db.GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?
	`, aggregateType, aggregateID)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("eventstore: query version: %w", err)
	}
	return version, nil
}

// LoadTail returns events for one aggregate with version >= fromVersion
// ordered ascending, used by the repository to replay past a snapshot.
func (a *Appender) LoadTail(ctx context.Context, aggregateType, aggregateID string, fromVersion int) ([]Event, error) {
	var events []Event
	err := a.db.SelectContext(ctx, &events, `
		SELECT commit_sequence, id, aggregate_type, aggregate_id, event_type, payload_encrypted, keyring_update, version, occurred_at, actor_id, causation_id, correlation_id, epoch
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ? AND version >= ?
		ORDER BY version ASC
	`, aggregateType, aggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load tail: %w", err)
	}
	return events, nil
}

// LoadAllByTypes returns every event whose aggregate type is in types,
// ordered by commit_sequence ascending. Used by components that must
// replay a cross-aggregate-type stream from scratch (spec.md §4.8's
// process-manager bootstrap), as opposed to LoadTail's per-aggregate
// replay.
func (a *Appender) LoadAllByTypes(ctx context.Context, types []string) ([]Event, error) {
	if len(types) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT commit_sequence, id, aggregate_type, aggregate_id, event_type, payload_encrypted, keyring_update, version, occurred_at, actor_id, causation_id, correlation_id, epoch
		FROM events
		WHERE aggregate_type IN (?)
		ORDER BY commit_sequence ASC
	`, types)
	if err != nil {
		return nil, fmt.Errorf("eventstore: build load-all query: %w", err)
	}
	query = a.db.Rebind(query)
	var events []Event
	if err := a.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("eventstore: load all by types: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if ok := asSqliteError(err, &sqliteErr); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func asSqliteError(err error, target *sqlite3.Error) bool {
	for err != nil {
		if se, ok := err.(sqlite3.Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loofy147/ledgerjournal/internal/cursor"
	"github.com/loofy147/ledgerjournal/internal/eventstore"
	"github.com/loofy147/ledgerjournal/internal/telemetry"
)

// Processor is implemented by each projector (snapshot, search,
// analytics, the achievement saga's process manager) that the runtime
// drives. ApplyEvent must be idempotent w.r.t. (eventId, cursor); any
// event may be a no-op. Reset wipes derived state on rebuild.
type Processor interface {
	ApplyEvent(ctx context.Context, event eventstore.Event, cursorAfter cursor.EffectiveCursor, lastCommitSequence int64) error
	Reset(ctx context.Context) error
}

// Runtime is a per-(projectionId, aggregateType) scheduler (spec.md
// §4.4): it reads batches of events in the configured ordering,
// advances a durable cursor, and dispatches each event to Processor.
type Runtime struct {
	ProjectionID  string
	AggregateType string
	Ordering      Ordering
	BatchSize     int

	db        *sqlx.DB
	meta      *MetaStore
	processor Processor
	tracer    trace.Tracer
}

func NewRuntime(projectionID, aggregateType string, ordering Ordering, db *sqlx.DB, processor Processor) *Runtime {
	return &Runtime{
		ProjectionID:  projectionID,
		AggregateType: aggregateType,
		Ordering:      ordering,
		BatchSize:     DefaultBatchSize,
		db:            db,
		meta:          NewMetaStore(db),
		processor:     processor,
		tracer:        telemetry.Tracer("projection"),
	}
}

// batchRow is one event plus its sync mapping, if any.
type batchRow struct {
	eventstore.Event
	GlobalSeq sql.NullInt64 `db:"global_seq"`
}

// Run drains all currently-available batches (idle -> catchingUp ->
// idle), persisting projection_meta after each batch per spec.md §4.4.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "projection.run",
		trace.WithAttributes(
			attribute.String("projection.id", r.ProjectionID),
			attribute.String("aggregate.type", r.AggregateType),
			attribute.String("projection.ordering", string(r.Ordering)),
		))
	defer span.End()

	m, err := r.meta.Get(ctx, r.ProjectionID, r.AggregateType, r.Ordering)
	if err != nil {
		return err
	}
	if m.Phase == PhaseIdle {
		m.Phase = PhaseCatchingUp
	}

	for {
		batch, err := r.loadBatch(ctx, m)
		if err != nil {
			return fmt.Errorf("projection: load batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			after := m.cursorFor(row)
			if err := r.processor.ApplyEvent(ctx, row.Event, after, row.CommitSequence); err != nil {
				return fmt.Errorf("projection: apply event %s: %w", row.ID, err)
			}
			m.LastCommitSequence = row.CommitSequence
			if row.GlobalSeq.Valid {
				m.LastGlobalSeq = row.GlobalSeq.Int64
			} else {
				m.LastPendingCommitSeq = row.CommitSequence
			}
		}

		if err := r.meta.Put(ctx, m); err != nil {
			return err
		}
		span.AddEvent("projection.batch_applied", trace.WithAttributes(attribute.Int("batch.size", len(batch))))

		if len(batch) < r.BatchSize {
			break
		}
	}

	m.Phase = PhaseIdle
	return r.meta.Put(ctx, m)
}

// RequestRebuild implements onRebaseRequired: wipe derived state, reset
// the cursor to zero, persist the rebuilding phase, then resume.
func (r *Runtime) RequestRebuild(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "projection.rebuild",
		trace.WithAttributes(attribute.String("projection.id", r.ProjectionID)))
	defer span.End()

	if err := r.processor.Reset(ctx); err != nil {
		return fmt.Errorf("projection: reset processor: %w", err)
	}
	m := Meta{ProjectionID: r.ProjectionID, AggregateType: r.AggregateType, Ordering: r.Ordering, Phase: PhaseRebuilding}
	if err := r.meta.Put(ctx, m); err != nil {
		return err
	}
	return r.Run(ctx)
}

func (m Meta) cursorFor(row batchRow) cursor.EffectiveCursor {
	if row.GlobalSeq.Valid {
		return cursor.EffectiveCursor{GlobalSequence: row.GlobalSeq.Int64}
	}
	return cursor.EffectiveCursor{PendingCommitSequence: row.CommitSequence}
}

func (r *Runtime) loadBatch(ctx context.Context, m Meta) ([]batchRow, error) {
	var rows []batchRow
	var err error
	switch r.Ordering {
	case OrderingEffectiveTotal:
		err = r.db.SelectContext(ctx, &rows, `
			SELECT e.commit_sequence, e.id, e.aggregate_type, e.aggregate_id, e.event_type,
			       e.payload_encrypted, e.keyring_update, e.version, e.occurred_at,
			       e.actor_id, e.causation_id, e.correlation_id, e.epoch,
			       m.global_seq AS global_seq
			FROM events e
			LEFT JOIN sync_event_map m ON m.event_id = e.id
			WHERE e.aggregate_type = ?
			  AND ((m.global_seq IS NOT NULL AND m.global_seq > ?)
			       OR (m.global_seq IS NULL AND e.commit_sequence > ?))
			ORDER BY (m.global_seq IS NULL) ASC, m.global_seq ASC, e.commit_sequence ASC
			LIMIT ?
		`, r.AggregateType, m.LastGlobalSeq, m.LastPendingCommitSeq, r.BatchSize)
	default:
		err = r.db.SelectContext(ctx, &rows, `
			SELECT commit_sequence, id, aggregate_type, aggregate_id, event_type,
			       payload_encrypted, keyring_update, version, occurred_at,
			       actor_id, causation_id, correlation_id, epoch
			FROM events
			WHERE aggregate_type = ? AND commit_sequence > ?
			ORDER BY commit_sequence ASC
			LIMIT ?
		`, r.AggregateType, m.LastCommitSequence, r.BatchSize)
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

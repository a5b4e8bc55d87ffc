package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Meta is one projection_meta row: the durable cursor plus lifecycle
// phase for a single (projectionId, aggregateType) pair. Two Runtimes
// sharing a projectionId but driving distinct aggregate types (the
// achievement saga's "goal" and "project" runtimes, both projectionId
// "achievement") must never share a cursor row, since each advances
// its own commit-sequence/global-sequence numbering independently.
type Meta struct {
	ProjectionID         string   `db:"projection_id"`
	AggregateType        string   `db:"aggregate_type"`
	Ordering              Ordering `db:"ordering"`
	LastGlobalSeq         int64    `db:"last_global_seq"`
	LastPendingCommitSeq  int64    `db:"last_pending_commit_seq"`
	LastCommitSequence    int64    `db:"last_commit_sequence"`
	Phase                 Phase    `db:"phase"`
	UpdatedAt             int64    `db:"updated_at"`
}

// MetaStore owns projection_meta.
type MetaStore struct {
	db *sqlx.DB
}

func NewMetaStore(db *sqlx.DB) *MetaStore { return &MetaStore{db: db} }

// Get returns the persisted cursor for (projectionID, aggregateType),
// or a fresh zero cursor at phase idle if none exists yet.
func (s *MetaStore) Get(ctx context.Context, projectionID, aggregateType string, ordering Ordering) (Meta, error) {
	var m Meta
	err := s.db.GetContext(ctx, &m, `
		SELECT projection_id, aggregate_type, ordering, last_global_seq, last_pending_commit_seq, last_commit_sequence, phase, updated_at
		FROM projection_meta WHERE projection_id = ? AND aggregate_type = ?
	`, projectionID, aggregateType)
	if err == sql.ErrNoRows {
		return Meta{ProjectionID: projectionID, AggregateType: aggregateType, Ordering: ordering, Phase: PhaseIdle}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("projection: get meta: %w", err)
	}
	return m, nil
}

// Put upserts the cursor row.
func (s *MetaStore) Put(ctx context.Context, m Meta) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO projection_meta (projection_id, aggregate_type, ordering, last_global_seq, last_pending_commit_seq, last_commit_sequence, phase, updated_at)
		VALUES (:projection_id, :aggregate_type, :ordering, :last_global_seq, :last_pending_commit_seq, :last_commit_sequence, :phase, :updated_at)
		ON CONFLICT (projection_id, aggregate_type) DO UPDATE SET
			ordering = excluded.ordering,
			last_global_seq = excluded.last_global_seq,
			last_pending_commit_seq = excluded.last_pending_commit_seq,
			last_commit_sequence = excluded.last_commit_sequence,
			phase = excluded.phase,
			updated_at = excluded.updated_at
	`, m)
	if err != nil {
		return fmt.Errorf("projection: put meta: %w", err)
	}
	return nil
}

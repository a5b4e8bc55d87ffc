// Package idempotency implements spec.md §3/§7's idempotency record:
// (key -> commandType, aggregateId, createdAt), rejecting reuse with
// mismatched metadata.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrReuse is spec.md §7's IdempotencyReuse kind.
var ErrReuse = errors.New("idempotency: key reused with different command/aggregate")

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type record struct {
	CommandType string `db:"command_type"`
	AggregateID string `db:"aggregate_id"`
}

// Record is a no-op if key was already recorded with identical
// (commandType, aggregateID); it returns ErrReuse if the existing
// record disagrees; otherwise it inserts a new record.
func (s *Store) Record(ctx context.Context, key, commandType, aggregateID string) error {
	_, err := s.TryRecord(ctx, key, commandType, aggregateID)
	return err
}

// TryRecord behaves like Record but also reports whether this call
// actually inserted a new row (isNew=true) versus finding a matching
// existing one (isNew=false, a no-op replay). Callers whose downstream
// effect (e.g. appending a command-triggered event) must itself run
// exactly once use isNew to decide whether to proceed.
func (s *Store) TryRecord(ctx context.Context, key, commandType, aggregateID string) (bool, error) {
	var existing record
	err := s.db.GetContext(ctx, &existing, `SELECT command_type, aggregate_id FROM idempotency_keys WHERE key = ?`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, command_type, aggregate_id, created_at) VALUES (?, ?, ?, ?)
		`, key, commandType, aggregateID, time.Now().UnixMilli())
		if err != nil {
			return false, fmt.Errorf("idempotency: insert: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("idempotency: lookup: %w", err)
	}

	if existing.CommandType != commandType || existing.AggregateID != aggregateID {
		return false, fmt.Errorf("%w: key=%s existing=(%s,%s) new=(%s,%s)", ErrReuse, key, existing.CommandType, existing.AggregateID, commandType, aggregateID)
	}
	return false, nil
}

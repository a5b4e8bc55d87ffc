// Package snapshotstore implements spec.md §4.2: a per-aggregate
// encrypted snapshot keyed by (aggregateType, aggregateId). Grounded
// on go-eventstore/eventstore.go's SaveSnapshot/LoadSnapshot, adapted
// to AEAD-encrypted state and an AAD bound to aggregateId+version.
package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/loofy147/ledgerjournal/internal/codec"
	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
)

// Record is the decrypted view of a snapshot row.
type Record struct {
	AggregateType   string
	AggregateID     string
	SnapshotVersion int
	Cursor          cursor.EffectiveCursor
	WrittenAt       time.Time
}

type row struct {
	AggregateType       string `db:"aggregate_type"`
	AggregateID         string `db:"aggregate_id"`
	SnapshotVersion     int    `db:"snapshot_version"`
	SnapshotEncrypted   []byte `db:"snapshot_encrypted"`
	LastEffGlobalSeq    int64  `db:"last_effective_global_seq"`
	LastEffPendingSeq   int64  `db:"last_effective_pending_commit_seq"`
	WrittenAt           int64  `db:"written_at"`
}

// Store persists and decrypts per-aggregate snapshots.
type Store struct {
	db   *sqlx.DB
	aead ledgercrypto.CryptoServicePort
}

func New(db *sqlx.DB, aead ledgercrypto.CryptoServicePort) *Store {
	return &Store{db: db, aead: aead}
}

// Put upserts the snapshot for (aggregateType, aggregateId), encrypting
// state under key with AAD bound to aggregateId|snapshot|v{version}.
func (s *Store) Put(ctx context.Context, aggregateType, aggregateID string, version int, state any, key ledgercrypto.AggregateKey, effective cursor.EffectiveCursor) error {
	raw, err := codec.EncodeSnapshot(version, state)
	if err != nil {
		return err
	}
	ciphertext, err := s.aead.Encrypt(raw, key, ledgercrypto.BuildSnapshotAAD(aggregateID, version))
	if err != nil {
		return fmt.Errorf("snapshotstore: encrypt: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_type, aggregate_id, snapshot_version, snapshot_encrypted, last_effective_global_seq, last_effective_pending_commit_seq, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_type, aggregate_id) DO UPDATE SET
			snapshot_version = excluded.snapshot_version,
			snapshot_encrypted = excluded.snapshot_encrypted,
			last_effective_global_seq = excluded.last_effective_global_seq,
			last_effective_pending_commit_seq = excluded.last_effective_pending_commit_seq,
			written_at = excluded.written_at
		WHERE snapshots.snapshot_version <= excluded.snapshot_version
	`, aggregateType, aggregateID, version, ciphertext, effective.GlobalSequence, effective.PendingCommitSequence, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("snapshotstore: put: %w", err)
	}
	return nil
}

// Get returns the latest snapshot for aggregateId, decrypted into
// target, or (nil, false, nil) if none exists. An AEAD authentication
// failure purges the row and returns (nil, false, nil) so the caller
// falls back to full replay (spec.md §4.2); any other error
// propagates.
func (s *Store) Get(ctx context.Context, aggregateType, aggregateID string, key ledgercrypto.AggregateKey, target any) (*Record, bool, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `
		SELECT aggregate_type, aggregate_id, snapshot_version, snapshot_encrypted, last_effective_global_seq, last_effective_pending_commit_seq, written_at
		FROM snapshots WHERE aggregate_type = ? AND aggregate_id = ?
	`, aggregateType, aggregateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshotstore: get: %w", err)
	}

	plaintext, err := s.aead.Decrypt(r.SnapshotEncrypted, key, ledgercrypto.BuildSnapshotAAD(aggregateID, r.SnapshotVersion))
	if err != nil {
		if errors.Is(err, ledgercrypto.ErrAeadAuthenticationFailed) {
			_ = s.Purge(ctx, aggregateType, aggregateID)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("snapshotstore: decrypt: %w", err)
	}

	if _, err := codec.DecodeSnapshot(plaintext, target); err != nil {
		return nil, false, fmt.Errorf("snapshotstore: decode: %w", err)
	}

	return &Record{
		AggregateType:   r.AggregateType,
		AggregateID:     r.AggregateID,
		SnapshotVersion: r.SnapshotVersion,
		Cursor:          cursor.EffectiveCursor{GlobalSequence: r.LastEffGlobalSeq, PendingCommitSequence: r.LastEffPendingSeq},
		WrittenAt:       time.UnixMilli(r.WrittenAt),
	}, true, nil
}

// Purge deletes the snapshot for an aggregate. Used on AEAD
// authentication failure and after a pending-event rewrite (spec.md
// §4.10), both of which invalidate the snapshot.
func (s *Store) Purge(ctx context.Context, aggregateType, aggregateID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_type = ? AND aggregate_id = ?`, aggregateType, aggregateID)
	if err != nil {
		return fmt.Errorf("snapshotstore: purge: %w", err)
	}
	return nil
}

package sync

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/snapshotstore"
)

// RewriteResult is the summary spec.md §4.10 returns from a rebase.
type RewriteResult struct {
	OldMaxVersion int
	NewMaxVersion int
	ShiftedCount  int
}

type pendingRow struct {
	CommitSequence   int64  `db:"commit_sequence"`
	EventType        string `db:"event_type"`
	PayloadEncrypted []byte `db:"payload_encrypted"`
	Version          int    `db:"version"`
}

// RewritePendingVersions implements spec.md §4.10: every local-only
// (not yet in sync_event_map) event of one aggregate at or above
// fromVersionInclusive is shifted so it sits contiguously above
// newTailVersion (the version the just-ingested remote events now
// occupy), re-encrypting each payload under its new version's AAD
// since the AAD binds ciphertext to version (spec.md §4.10
// rationale). The aggregate's snapshot is purged — it was computed
// from the old numbering and the repository will rebuild it lazily.
func RewritePendingVersions(ctx context.Context, db *sqlx.DB, aead ledgercrypto.CryptoServicePort, snapshots *snapshotstore.Store, key ledgercrypto.AggregateKey, aggregateType, aggregateID string, fromVersionInclusive, newTailVersion int) (*RewriteResult, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: rewrite begin tx: %w", err)
	}
	defer tx.Rollback()

	var rows []pendingRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT e.commit_sequence, e.event_type, e.payload_encrypted, e.version
		FROM events e
		LEFT JOIN sync_event_map m ON m.event_id = e.id
		WHERE e.aggregate_type = ? AND e.aggregate_id = ? AND e.version >= ? AND m.event_id IS NULL
		ORDER BY e.version DESC
	`, aggregateType, aggregateID, fromVersionInclusive)
	if err != nil {
		return nil, fmt.Errorf("sync: rewrite select pending: %w", err)
	}
	if len(rows) == 0 {
		return &RewriteResult{OldMaxVersion: fromVersionInclusive - 1, NewMaxVersion: fromVersionInclusive - 1}, nil
	}

	oldMaxVersion := rows[0].Version
	shift := newTailVersion + len(rows) - oldMaxVersion
	newMaxVersion := oldMaxVersion + shift

	for _, row := range rows {
		newVersion := row.Version + shift
		plaintext, err := aead.Decrypt(row.PayloadEncrypted, key, ledgercrypto.BuildEventAAD(aggregateType, aggregateID, row.EventType, row.Version))
		if err != nil {
			return nil, fmt.Errorf("sync: rewrite decrypt v%d: %w", row.Version, err)
		}
		ciphertext, err := aead.Encrypt(plaintext, key, ledgercrypto.BuildEventAAD(aggregateType, aggregateID, row.EventType, newVersion))
		if err != nil {
			return nil, fmt.Errorf("sync: rewrite encrypt v%d: %w", newVersion, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET version = ?, payload_encrypted = ? WHERE commit_sequence = ?
		`, newVersion, ciphertext, row.CommitSequence); err != nil {
			return nil, fmt.Errorf("sync: rewrite update v%d: %w", row.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sync: rewrite commit: %w", err)
	}

	if err := snapshots.Purge(ctx, aggregateType, aggregateID); err != nil {
		return nil, fmt.Errorf("sync: rewrite purge snapshot: %w", err)
	}

	return &RewriteResult{OldMaxVersion: oldMaxVersion, NewMaxVersion: newMaxVersion, ShiftedCount: len(rows)}, nil
}

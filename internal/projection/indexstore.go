package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
)

type indexRow struct {
	IndexID              string `db:"index_id"`
	ScopeKey             string `db:"scope_key"`
	ArtifactVersion      int    `db:"artifact_version"`
	ArtifactEncrypted    []byte `db:"artifact_encrypted"`
	LastGlobalSeq        int64  `db:"last_global_seq"`
	LastPendingCommitSeq int64  `db:"last_pending_commit_seq"`
	WrittenAt            int64  `db:"written_at"`
}

// IndexStore owns index_artifacts: the search projector's persisted
// inverted-index blob (spec.md §4.6).
type IndexStore struct {
	db   *sqlx.DB
	aead ledgercrypto.CryptoServicePort
}

func NewIndexStore(db *sqlx.DB, aead ledgercrypto.CryptoServicePort) *IndexStore {
	return &IndexStore{db: db, aead: aead}
}

func (s *IndexStore) Put(ctx context.Context, indexID, scopeKey string, artifactVersion int, blob []byte, key ledgercrypto.AggregateKey, eff cursor.EffectiveCursor, writtenAt int64) error {
	aad := ledgercrypto.BuildIndexArtifactAAD(indexID, scopeKey, artifactVersion, eff.GlobalSequence, eff.PendingCommitSequence)
	ciphertext, err := s.aead.Encrypt(blob, key, aad)
	if err != nil {
		return fmt.Errorf("projection: encrypt index artifact: %w", err)
	}
	row := indexRow{
		IndexID:              indexID,
		ScopeKey:             scopeKey,
		ArtifactVersion:      artifactVersion,
		ArtifactEncrypted:    ciphertext,
		LastGlobalSeq:        eff.GlobalSequence,
		LastPendingCommitSeq: eff.PendingCommitSequence,
		WrittenAt:            writtenAt,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO index_artifacts (index_id, scope_key, artifact_version, artifact_encrypted, last_global_seq, last_pending_commit_seq, written_at)
		VALUES (:index_id, :scope_key, :artifact_version, :artifact_encrypted, :last_global_seq, :last_pending_commit_seq, :written_at)
		ON CONFLICT (index_id, scope_key) DO UPDATE SET
			artifact_version = excluded.artifact_version,
			artifact_encrypted = excluded.artifact_encrypted,
			last_global_seq = excluded.last_global_seq,
			last_pending_commit_seq = excluded.last_pending_commit_seq,
			written_at = excluded.written_at
	`, row)
	if err != nil {
		return fmt.Errorf("projection: put index artifact: %w", err)
	}
	return nil
}

// Get mirrors CacheStore.Get: an AEAD authentication failure purges the
// artifact and reports "missing" rather than propagating, so the
// search projector falls back to rebuilding from current projections
// (spec.md §4.6's missing -> building transition).
func (s *IndexStore) Get(ctx context.Context, indexID, scopeKey string, key ledgercrypto.AggregateKey) ([]byte, int, bool, error) {
	var row indexRow
	err := s.db.GetContext(ctx, &row, `
		SELECT index_id, scope_key, artifact_version, artifact_encrypted, last_global_seq, last_pending_commit_seq, written_at
		FROM index_artifacts WHERE index_id = ? AND scope_key = ?
	`, indexID, scopeKey)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("projection: get index artifact: %w", err)
	}

	aad := ledgercrypto.BuildIndexArtifactAAD(indexID, scopeKey, row.ArtifactVersion, row.LastGlobalSeq, row.LastPendingCommitSeq)
	plaintext, err := s.aead.Decrypt(row.ArtifactEncrypted, key, aad)
	if err != nil {
		if err == ledgercrypto.ErrAeadAuthenticationFailed {
			_ = s.Purge(ctx, indexID, scopeKey)
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("projection: decrypt index artifact: %w", err)
	}
	return plaintext, row.ArtifactVersion, true, nil
}

func (s *IndexStore) Purge(ctx context.Context, indexID, scopeKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_artifacts WHERE index_id = ? AND scope_key = ?`, indexID, scopeKey)
	if err != nil {
		return fmt.Errorf("projection: purge index artifact: %w", err)
	}
	return nil
}

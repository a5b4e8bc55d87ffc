package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	ledgercrypto "github.com/loofy147/ledgerjournal/internal/crypto"
	"github.com/loofy147/ledgerjournal/internal/cursor"
)

// cacheRow is one projection_cache row (spec.md §6 persisted schema).
type cacheRow struct {
	ProjectionID         string `db:"projection_id"`
	ScopeKey             string `db:"scope_key"`
	CacheVersion         int    `db:"cache_version"`
	CacheEncrypted       []byte `db:"cache_encrypted"`
	Ordering             string `db:"ordering"`
	LastGlobalSeq        int64  `db:"last_global_seq"`
	LastPendingCommitSeq int64  `db:"last_pending_commit_seq"`
	LastCommitSequence   int64  `db:"last_commit_sequence"`
	WrittenAt            int64  `db:"written_at"`
}

// CacheStore owns projection_cache: a single encrypted blob per
// (projectionId, scopeKey), used by the snapshot and analytics
// projectors to persist their whole in-memory derived state.
type CacheStore struct {
	db   *sqlx.DB
	aead ledgercrypto.CryptoServicePort
}

func NewCacheStore(db *sqlx.DB, aead ledgercrypto.CryptoServicePort) *CacheStore {
	return &CacheStore{db: db, aead: aead}
}

// Put encrypts blob (already codec-encoded) and upserts the row.
func (s *CacheStore) Put(ctx context.Context, projectionID, scopeKey string, cacheVersion int, blob []byte, key ledgercrypto.AggregateKey, ordering Ordering, eff cursor.EffectiveCursor, writtenAt int64) error {
	aad := ledgercrypto.BuildProjectionCacheAAD(projectionID, scopeKey, cacheVersion, eff.GlobalSequence, eff.PendingCommitSequence)
	ciphertext, err := s.aead.Encrypt(blob, key, aad)
	if err != nil {
		return fmt.Errorf("projection: encrypt cache: %w", err)
	}
	row := cacheRow{
		ProjectionID:         projectionID,
		ScopeKey:             scopeKey,
		CacheVersion:         cacheVersion,
		CacheEncrypted:       ciphertext,
		Ordering:             string(ordering),
		LastGlobalSeq:        eff.GlobalSequence,
		LastPendingCommitSeq: eff.PendingCommitSequence,
		WrittenAt:            writtenAt,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO projection_cache (projection_id, scope_key, cache_version, cache_encrypted, ordering, last_global_seq, last_pending_commit_seq, last_commit_sequence, written_at)
		VALUES (:projection_id, :scope_key, :cache_version, :cache_encrypted, :ordering, :last_global_seq, :last_pending_commit_seq, :last_commit_sequence, :written_at)
		ON CONFLICT (projection_id, scope_key) DO UPDATE SET
			cache_version = excluded.cache_version,
			cache_encrypted = excluded.cache_encrypted,
			ordering = excluded.ordering,
			last_global_seq = excluded.last_global_seq,
			last_pending_commit_seq = excluded.last_pending_commit_seq,
			written_at = excluded.written_at
	`, row)
	if err != nil {
		return fmt.Errorf("projection: put cache: %w", err)
	}
	return nil
}

// Get decrypts and returns the raw plaintext blob, or ok=false if
// there is no row yet. An AEAD authentication failure is treated as
// "no usable cache" (caller should rebuild from scratch), matching the
// snapshot store's purge-on-auth-failure posture (spec.md §4.2).
func (s *CacheStore) Get(ctx context.Context, projectionID, scopeKey string, key ledgercrypto.AggregateKey) ([]byte, int, bool, error) {
	var row cacheRow
	err := s.db.GetContext(ctx, &row, `
		SELECT projection_id, scope_key, cache_version, cache_encrypted, ordering, last_global_seq, last_pending_commit_seq, last_commit_sequence, written_at
		FROM projection_cache WHERE projection_id = ? AND scope_key = ?
	`, projectionID, scopeKey)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("projection: get cache: %w", err)
	}

	aad := ledgercrypto.BuildProjectionCacheAAD(projectionID, scopeKey, row.CacheVersion, row.LastGlobalSeq, row.LastPendingCommitSeq)
	plaintext, err := s.aead.Decrypt(row.CacheEncrypted, key, aad)
	if err != nil {
		if err == ledgercrypto.ErrAeadAuthenticationFailed {
			_ = s.Purge(ctx, projectionID, scopeKey)
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("projection: decrypt cache: %w", err)
	}
	return plaintext, row.CacheVersion, true, nil
}

// Purge deletes the row, forcing the next Get to report "no cache".
func (s *CacheStore) Purge(ctx context.Context, projectionID, scopeKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projection_cache WHERE projection_id = ? AND scope_key = ?`, projectionID, scopeKey)
	if err != nil {
		return fmt.Errorf("projection: purge cache: %w", err)
	}
	return nil
}

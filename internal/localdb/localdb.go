// Package localdb owns the on-device SQLite file and its schema. It is
// the concrete adapter behind the SqliteDbPort named in spec.md §6,
// generalized from the teacher's Postgres pool (github.com/lib/pq) to
// a local, single-writer SQLite file (github.com/mattn/go-sqlite3) —
// this store is per-client and offline-first, not a shared server
// database (see DESIGN.md "dropped dependencies").
package localdb

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if absent) the local SQLite file at path and
// applies the schema migration. path may be ":memory:" for tests.
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("localdb: open %s: %w", path, err)
	}
	// Exactly one writer at a time within the process (spec.md §5).
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	commit_sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_encrypted BLOB NOT NULL,
	keyring_update BLOB,
	version INTEGER NOT NULL,
	occurred_at INTEGER NOT NULL,
	actor_id TEXT NOT NULL,
	causation_id TEXT,
	correlation_id TEXT,
	epoch INTEGER,
	UNIQUE (aggregate_type, aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	snapshot_version INTEGER NOT NULL,
	snapshot_encrypted BLOB NOT NULL,
	last_effective_global_seq INTEGER NOT NULL DEFAULT 0,
	last_effective_pending_commit_seq INTEGER NOT NULL DEFAULT 0,
	written_at INTEGER NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	command_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projection_cache (
	projection_id TEXT NOT NULL,
	scope_key TEXT NOT NULL,
	cache_version INTEGER NOT NULL,
	cache_encrypted BLOB NOT NULL,
	ordering TEXT NOT NULL,
	last_global_seq INTEGER NOT NULL DEFAULT 0,
	last_pending_commit_seq INTEGER NOT NULL DEFAULT 0,
	last_commit_sequence INTEGER NOT NULL DEFAULT 0,
	written_at INTEGER NOT NULL,
	PRIMARY KEY (projection_id, scope_key)
);

CREATE TABLE IF NOT EXISTS index_artifacts (
	index_id TEXT NOT NULL,
	scope_key TEXT NOT NULL,
	artifact_version INTEGER NOT NULL,
	artifact_encrypted BLOB NOT NULL,
	last_global_seq INTEGER NOT NULL DEFAULT 0,
	last_pending_commit_seq INTEGER NOT NULL DEFAULT 0,
	written_at INTEGER NOT NULL,
	PRIMARY KEY (index_id, scope_key)
);

CREATE TABLE IF NOT EXISTS projection_meta (
	projection_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	ordering TEXT NOT NULL,
	last_global_seq INTEGER NOT NULL DEFAULT 0,
	last_pending_commit_seq INTEGER NOT NULL DEFAULT 0,
	last_commit_sequence INTEGER NOT NULL DEFAULT 0,
	phase TEXT NOT NULL DEFAULT 'idle',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (projection_id, aggregate_type)
);

CREATE TABLE IF NOT EXISTS sync_event_map (
	event_id TEXT PRIMARY KEY,
	global_seq INTEGER NOT NULL UNIQUE,
	inserted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_meta (
	store_id TEXT PRIMARY KEY,
	last_pulled_global_seq INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// Migrate applies the full schema. It is idempotent.
func Migrate(db *sqlx.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("localdb: migrate: %w", err)
	}
	return nil
}

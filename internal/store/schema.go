package store

import "database/sql"

// SchemaVersion is bumped whenever the table layout changes incompatibly.
// A mismatch on open triggers an atomic rebuild of the database file.
const SchemaVersion = 1

// VectorDim is the fixed embedding dimension. Storing a vector of any other
// length is a hard error.
const VectorDim = 768

const coreDDL = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    path   TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT 'memory',
    hash   TEXT NOT NULL,
    mtime  INTEGER NOT NULL DEFAULT 0,
    size   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (path, source)
);

CREATE TABLE IF NOT EXISTS chunks (
    id           TEXT PRIMARY KEY,
    path         TEXT NOT NULL,
    source       TEXT NOT NULL DEFAULT 'memory',
    start_line   INTEGER NOT NULL,
    end_line     INTEGER NOT NULL,
    hash         TEXT NOT NULL,
    text         TEXT NOT NULL,
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    access_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_chunks_path   ON chunks(path);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
CREATE INDEX IF NOT EXISTS idx_chunks_hash   ON chunks(hash);

CREATE TABLE IF NOT EXISTS embedding_cache (
    hash       TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`

const ftsDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text,
    id UNINDEXED,
    path UNINDEXED,
    source UNINDEXED,
    start_line UNINDEXED,
    end_line UNINDEXED
);
`

const vecDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_vec USING vec0(
    id TEXT PRIMARY KEY,
    embedding float[768] distance_metric=cosine
);
`

// applySchema creates the core tables unconditionally, then attempts the
// FTS5 and vec0 virtual tables. Virtual-table failures are not fatal; the
// capability probes decide what the search paths may use.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(coreDDL); err != nil {
		return err
	}
	db.Exec(ftsDDL)
	db.Exec(vecDDL)
	return nil
}

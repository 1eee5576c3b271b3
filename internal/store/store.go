// Package store persists the memory index in a single SQLite database with
// FTS5 full-text search and, when the extension is present, a sqlite-vec
// vector table. The schema is versioned; a version or chunk-size mismatch
// triggers an atomic on-disk rebuild that preserves the embedding cache.
package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Store owns the on-disk database file and all statements over it.
type Store struct {
	db        *sql.DB
	path      string
	chunkSize int
	ftsOK     bool
	vecOK     bool
	log       *slog.Logger
}

// Open creates or opens the database at path, applies the schema, probes
// capabilities, and rebuilds the file if the stored schema version or chunk
// size disagrees with the requested one.
func Open(path string, chunkSize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path, chunkSize: chunkSize, log: logger}
	s.probe()

	rebuilt, err := s.ensureConfig()
	if err != nil {
		s.db.Close()
		return nil, err
	}
	if rebuilt {
		s.probe()
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

// probe checks FTS5 and vec0 availability with trivial count queries.
// Any error means the capability is absent.
func (s *Store) probe() {
	var n int
	s.ftsOK = s.db.QueryRow("SELECT count(*) FROM chunks_fts").Scan(&n) == nil
	s.vecOK = s.db.QueryRow("SELECT count(*) FROM chunks_vec").Scan(&n) == nil
	if !s.ftsOK {
		s.log.Warn("FTS5 unavailable, lexical search degrades to substring scan")
	}
	if !s.vecOK {
		s.log.Warn("sqlite-vec unavailable, vector search disabled")
	}
}

// FTSAvailable reports whether the lexical index can be used.
func (s *Store) FTSAvailable() bool { return s.ftsOK }

// VecAvailable reports whether the vector index can be used.
func (s *Store) VecAvailable() bool { return s.vecOK }

// Path returns the primary database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- Meta ---

// GetMeta returns a metadata value by key, or "" if not set.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta sets a metadata key-value pair.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// --- Files and chunks ---

// GetFileHash returns the stored content hash for (path, source), or "" if
// the file is not indexed.
func (s *Store) GetFileHash(path, source string) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM files WHERE path = ? AND source = ?", path, source).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// ListFilePaths returns all indexed paths for a source.
func (s *Store) ListFilePaths(source string) ([]string, error) {
	rows, err := s.db.Query("SELECT path FROM files WHERE source = ?", source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ReplaceFile atomically rewrites a file record and its chunks: existing
// chunks, lexical entries, and vector entries for (path, source) are deleted,
// then the new rows are inserted. ftsText holds the pre-segmented text per
// chunk and is ignored when FTS is unavailable.
func (s *Store) ReplaceFile(f FileRecord, chunks []Chunk, ftsText []string) error {
	if s.ftsOK && len(ftsText) != len(chunks) {
		return fmt.Errorf("mismatched chunks (%d) and fts rows (%d)", len(chunks), len(ftsText))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteFileTx(tx, f.Path, f.Source); err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO files (path, source, hash, mtime, size) VALUES (?, ?, ?, ?, ?)",
		f.Path, f.Source, f.Hash, f.Mtime, f.Size,
	)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", f.Path, err)
	}

	stmt, err := tx.Prepare(
		"INSERT INTO chunks (id, path, source, start_line, end_line, hash, text, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var ftsStmt *sql.Stmt
	if s.ftsOK {
		ftsStmt, err = tx.Prepare(
			"INSERT INTO chunks_fts (text, id, path, source, start_line, end_line) VALUES (?, ?, ?, ?, ?, ?)",
		)
		if err != nil {
			return err
		}
		defer ftsStmt.Close()
	}

	for i, c := range chunks {
		if _, err := stmt.Exec(c.ID, c.Path, c.Source, c.StartLine, c.EndLine, c.Hash, c.Text); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		if ftsStmt != nil {
			if _, err := ftsStmt.Exec(ftsText[i], c.ID, c.Path, c.Source, c.StartLine, c.EndLine); err != nil {
				return fmt.Errorf("insert fts row %s: %w", c.ID, err)
			}
		}
	}

	return tx.Commit()
}

// DeleteFiles removes file records, chunks, lexical entries, and vector
// entries for the given paths within one source, one transaction per path.
func (s *Store) DeleteFiles(paths []string, source string) error {
	for _, p := range paths {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := s.deleteFileTx(tx, p, source); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("DELETE FROM files WHERE path = ? AND source = ?", p, source); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// deleteFileTx removes the chunks and their derived rows for (path, source).
// The files row is left to the caller.
func (s *Store) deleteFileTx(tx *sql.Tx, path, source string) error {
	ids, err := chunkIDsTx(tx, path, source)
	if err != nil {
		return err
	}

	if s.vecOK && len(ids) > 0 {
		// Single IN (...) delete, with a per-row fallback: some vec0 builds
		// reject multi-row deletes.
		placeholders := strings.Repeat("?,", len(ids))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := tx.Exec("DELETE FROM chunks_vec WHERE id IN ("+placeholders+")", args...); err != nil {
			for _, id := range ids {
				if _, err := tx.Exec("DELETE FROM chunks_vec WHERE id = ?", id); err != nil {
					return fmt.Errorf("delete vector %s: %w", id, err)
				}
			}
		}
	}
	if s.ftsOK {
		if _, err := tx.Exec("DELETE FROM chunks_fts WHERE path = ? AND source = ?", path, source); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE path = ? AND source = ?", path, source); err != nil {
		return err
	}
	return nil
}

func chunkIDsTx(tx *sql.Tx, path, source string) ([]string, error) {
	rows, err := tx.Query("SELECT id FROM chunks WHERE path = ? AND source = ?", path, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChunksByPath returns the chunks for one file ordered by start line.
func (s *Store) ChunksByPath(path, source string) ([]Chunk, error) {
	rows, err := s.db.Query(
		"SELECT id, path, source, start_line, end_line, hash, text, updated_at, access_count FROM chunks WHERE path = ? AND source = ? ORDER BY start_line",
		path, source,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Path, &c.Source, &c.StartLine, &c.EndLine, &c.Hash, &c.Text, &c.UpdatedAt, &c.AccessCount); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Embeddings ---

// ChunksWithoutEmbedding returns up to limit chunks that have no vector
// entry yet. Returns nil when the vector table is absent.
func (s *Store) ChunksWithoutEmbedding(limit int) ([]Chunk, error) {
	if !s.vecOK {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT id, path, source, start_line, end_line, hash, text, updated_at, access_count
		 FROM chunks WHERE id NOT IN (SELECT id FROM chunks_vec) LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// CachedEmbedding looks up the embedding cache by text hash.
func (s *Store) CachedEmbedding(hash string) ([]float32, bool) {
	var blob []byte
	err := s.db.QueryRow("SELECT embedding FROM embedding_cache WHERE hash = ?", hash).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false
	}
	return vec, true
}

// InsertEmbeddings stores vector entries and their cache rows in one
// transaction. Every vector must have exactly VectorDim elements.
func (s *Store) InsertEmbeddings(items []EmbeddingRow) error {
	if !s.vecOK {
		return fmt.Errorf("vector table unavailable")
	}
	for _, it := range items {
		if len(it.Vector) != VectorDim {
			return fmt.Errorf("embedding for chunk %s has %d dims, want %d", it.ID, len(it.Vector), VectorDim)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	vecStmt, err := tx.Prepare("INSERT OR REPLACE INTO chunks_vec (id, embedding) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	cacheStmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO embedding_cache (hash, embedding, updated_at) VALUES (?, ?, strftime('%s','now'))",
	)
	if err != nil {
		return err
	}
	defer cacheStmt.Close()

	for _, it := range items {
		blob, err := sqlite_vec.SerializeFloat32(it.Vector)
		if err != nil {
			return fmt.Errorf("serialize embedding for chunk %s: %w", it.ID, err)
		}
		if _, err := vecStmt.Exec(it.ID, blob); err != nil {
			return fmt.Errorf("insert embedding for chunk %s: %w", it.ID, err)
		}
		if _, err := cacheStmt.Exec(it.Hash, blob); err != nil {
			return fmt.Errorf("cache embedding %s: %w", it.Hash, err)
		}
	}
	return tx.Commit()
}

// GCEmbeddingCache deletes cache rows whose hash no chunk references and
// returns the number removed.
func (s *Store) GCEmbeddingCache() (int64, error) {
	res, err := s.db.Exec("DELETE FROM embedding_cache WHERE hash NOT IN (SELECT DISTINCT hash FROM chunks)")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Search statements ---

// SearchFTS runs a ranked FTS5 match joined with the chunk rows. Rank is the
// raw BM25 value (negative, lower is better).
func (s *Store) SearchFTS(match string, limit int) ([]Hit, error) {
	if !s.ftsOK {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT c.id, c.path, c.source, c.start_line, c.end_line, c.text, chunks_fts.rank
		 FROM chunks_fts
		 JOIN chunks c ON c.id = chunks_fts.id
		 WHERE chunks_fts MATCH ?
		 ORDER BY chunks_fts.rank
		 LIMIT ?`, match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// SearchVec runs a nearest-neighbor scan over the vector table. Rank is the
// cosine distance (ascending).
func (s *Store) SearchVec(query []float32, limit int) ([]Hit, error) {
	if !s.vecOK {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}
	rows, err := s.db.Query(
		`SELECT v.id, c.path, c.source, c.start_line, c.end_line, c.text, v.distance
		 FROM chunks_vec v
		 JOIN chunks c ON c.id = v.id
		 WHERE v.embedding MATCH ? AND k = ?
		 ORDER BY v.distance
		 LIMIT ?`, blob, limit, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vec query: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

// SearchLike is the substring fallback, ordered by recency. The pattern must
// already be escaped and %-wrapped.
func (s *Store) SearchLike(pattern string, limit int) ([]Hit, error) {
	rows, err := s.db.Query(
		`SELECT id, path, source, start_line, end_line, text, 0.0
		 FROM chunks
		 WHERE text LIKE ? ESCAPE '\'
		 ORDER BY updated_at DESC
		 LIMIT ?`, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("like query: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func scanHits(rows *sql.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Path, &h.Source, &h.StartLine, &h.EndLine, &h.Text, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// PathsModifiedBetween returns the set of file paths whose mtime lies within
// [after, before] (epoch ms). Pass math.MinInt64 / math.MaxInt64 for open ends.
func (s *Store) PathsModifiedBetween(after, before int64) (map[string]bool, error) {
	rows, err := s.db.Query("SELECT path FROM files WHERE mtime >= ? AND mtime <= ?", after, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths[p] = true
	}
	return paths, rows.Err()
}

// BumpAccess increments access_count for each key in one transaction and
// returns the new counts.
func (s *Store) BumpAccess(keys []ChunkKey) (map[ChunkKey]int64, error) {
	counts := make(map[ChunkKey]int64, len(keys))
	if len(keys) == 0 {
		return counts, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec(
			"UPDATE chunks SET access_count = access_count + 1 WHERE path = ? AND start_line = ?",
			k.Path, k.StartLine,
		); err != nil {
			return nil, err
		}
		var n int64
		err := tx.QueryRow(
			"SELECT access_count FROM chunks WHERE path = ? AND start_line = ? LIMIT 1",
			k.Path, k.StartLine,
		).Scan(&n)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		counts[k] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return counts, nil
}

// --- Status counters ---

// CountFiles returns the number of indexed files, optionally per source.
func (s *Store) CountFiles(source string) (int, error) {
	var n int
	var err error
	if source == "" {
		err = s.db.QueryRow("SELECT count(*) FROM files").Scan(&n)
	} else {
		err = s.db.QueryRow("SELECT count(*) FROM files WHERE source = ?", source).Scan(&n)
	}
	return n, err
}

// CountChunks returns the total number of chunks.
func (s *Store) CountChunks() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT count(*) FROM chunks").Scan(&n)
	return n, err
}

// CountEmbedded returns the number of chunks with a vector entry.
func (s *Store) CountEmbedded() (int, error) {
	if !s.vecOK {
		return 0, nil
	}
	var n int
	err := s.db.QueryRow("SELECT count(*) FROM chunks_vec").Scan(&n)
	return n, err
}

// CountCache returns the number of embedding cache rows.
func (s *Store) CountCache() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT count(*) FROM embedding_cache").Scan(&n)
	return n, err
}

// DuplicateChunkHashes returns the top chunk hashes that occur under two or
// more distinct paths.
func (s *Store) DuplicateChunkHashes(limit int) ([]HashDup, error) {
	rows, err := s.db.Query(
		`SELECT hash, COUNT(DISTINCT path) AS n FROM chunks
		 GROUP BY hash HAVING n >= 2 ORDER BY n DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dups []HashDup
	for rows.Next() {
		var d HashDup
		if err := rows.Scan(&d.Hash, &d.Paths); err != nil {
			return nil, err
		}
		dups = append(dups, d)
	}
	return dups, rows.Err()
}

// FilesWithManyChunks returns paths whose chunk count exceeds the threshold.
func (s *Store) FilesWithManyChunks(threshold int) ([]PathCount, error) {
	rows, err := s.db.Query(
		"SELECT path, COUNT(*) AS n FROM chunks GROUP BY path HAVING n > ?", threshold,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PathCount
	for rows.Next() {
		var pc PathCount
		if err := rows.Scan(&pc.Path, &pc.Chunks); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// --- Vector blob codec ---

// decodeVector reads the little-endian float32 blob format sqlite-vec uses.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
)

const (
	metaSchemaVersion = "schema_version"
	metaChunkSize     = "chunk_size"
)

// ensureConfig compares the stored schema version and chunk size against the
// requested ones. A fresh database just records them; a mismatch rebuilds the
// whole index. Returns true when a rebuild replaced the handle.
func (s *Store) ensureConfig() (bool, error) {
	storedVersion, err := s.GetMeta(metaSchemaVersion)
	if err != nil {
		return false, fmt.Errorf("read schema version: %w", err)
	}
	storedChunk, err := s.GetMeta(metaChunkSize)
	if err != nil {
		return false, fmt.Errorf("read chunk size: %w", err)
	}

	if storedVersion == "" && storedChunk == "" {
		if err := s.writeConfig(s.db); err != nil {
			return false, err
		}
		return false, nil
	}
	if storedVersion == strconv.Itoa(SchemaVersion) && storedChunk == strconv.Itoa(s.chunkSize) {
		return false, nil
	}

	s.log.Info("index config changed, rebuilding",
		"stored_version", storedVersion, "version", SchemaVersion,
		"stored_chunk_size", storedChunk, "chunk_size", s.chunkSize)

	if err := s.rebuildAtomic(); err != nil {
		s.log.Warn("atomic rebuild failed, rebuilding in place", "error", err)
		if err := s.rebuildInPlace(); err != nil {
			return false, fmt.Errorf("rebuild: %w", err)
		}
	}
	return true, nil
}

func (s *Store) writeConfig(db *sql.DB) error {
	upsert := "INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value"
	if _, err := db.Exec(upsert, metaSchemaVersion, strconv.Itoa(SchemaVersion)); err != nil {
		return err
	}
	if _, err := db.Exec(upsert, metaChunkSize, strconv.Itoa(s.chunkSize)); err != nil {
		return err
	}
	return nil
}

// rebuildAtomic builds a fresh database in a sibling file, migrates the
// embedding cache into it, then swaps it into place with renames. A reader
// of the primary path sees either the old complete store or the new one.
// On error the original file is left untouched.
func (s *Store) rebuildAtomic() error {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	tmpPath := s.path + ".rebuild-" + hex.EncodeToString(suffix)

	fresh, err := openDB(tmpPath)
	if err != nil {
		return fmt.Errorf("open rebuild db: %w", err)
	}
	cleanup := func() {
		fresh.Close()
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	}

	if err := s.writeConfig(fresh); err != nil {
		cleanup()
		return fmt.Errorf("write rebuild config: %w", err)
	}

	// Carry the embedding cache across so identical text never re-embeds.
	// Best effort: a copy failure loses cache rows, not correctness.
	if err := copyEmbeddingCache(s.db, fresh); err != nil {
		s.log.Warn("embedding cache migration failed", "error", err)
	}

	// Both handles must be closed before the rename dance; some platforms
	// reject rename-over-open-file.
	if err := fresh.Close(); err != nil {
		cleanup()
		return err
	}
	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return s.reopenAfter(err)
	}

	bakPath := s.path + ".bak"
	if err := os.Rename(s.path, bakPath); err != nil {
		os.Remove(tmpPath)
		return s.reopenAfter(fmt.Errorf("rename to .bak: %w", err))
	}
	// The old WAL/SHM sidecars still carry the primary name; they must not
	// attach to the new file.
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")

	if err := os.Rename(tmpPath, s.path); err != nil {
		// Roll the original back into place.
		os.Rename(bakPath, s.path)
		os.Remove(tmpPath)
		return s.reopenAfter(fmt.Errorf("rename rebuild into place: %w", err))
	}

	os.Remove(bakPath)
	os.Remove(bakPath + "-wal")
	os.Remove(bakPath + "-shm")
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")

	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// reopenAfter restores a usable handle on the primary path after a failed
// swap, then returns the original error.
func (s *Store) reopenAfter(cause error) error {
	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("%w (reopen also failed: %v)", cause, err)
	}
	s.db = db
	return cause
}

// rebuildInPlace is the fallback when the rename dance cannot run: drop and
// recreate every table in the existing file.
func (s *Store) rebuildInPlace() error {
	cache, cacheErr := readEmbeddingCache(s.db)
	if cacheErr != nil {
		s.log.Warn("embedding cache read failed before in-place rebuild", "error", cacheErr)
	}

	drops := []string{
		"DROP TABLE IF EXISTS chunks_fts",
		"DROP TABLE IF EXISTS chunks_vec",
		"DROP TABLE IF EXISTS chunks",
		"DROP TABLE IF EXISTS files",
		"DROP TABLE IF EXISTS embedding_cache",
		"DROP TABLE IF EXISTS meta",
	}
	for _, q := range drops {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("drop: %w", err)
		}
	}
	if err := applySchema(s.db); err != nil {
		return err
	}
	if err := s.writeConfig(s.db); err != nil {
		return err
	}
	for _, row := range cache {
		s.db.Exec(
			"INSERT OR REPLACE INTO embedding_cache (hash, embedding, updated_at) VALUES (?, ?, ?)",
			row.hash, row.embedding, row.updatedAt,
		)
	}
	return nil
}

type cacheRow struct {
	hash      string
	embedding []byte
	updatedAt int64
}

func readEmbeddingCache(db *sql.DB) ([]cacheRow, error) {
	rows, err := db.Query("SELECT hash, embedding, updated_at FROM embedding_cache")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cacheRow
	for rows.Next() {
		var r cacheRow
		if err := rows.Scan(&r.hash, &r.embedding, &r.updatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func copyEmbeddingCache(src, dst *sql.DB) error {
	cache, err := readEmbeddingCache(src)
	if err != nil {
		return err
	}
	for _, row := range cache {
		if _, err := dst.Exec(
			"INSERT OR REPLACE INTO embedding_cache (hash, embedding, updated_at) VALUES (?, ?, ?)",
			row.hash, row.embedding, row.updatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// Package syncer reconciles the scanner's view of the file tree with the
// store: new files are indexed, changed files rewritten, removed files
// deleted. Embedding backfill runs as a background task after each sync.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"recall/internal/chunker"
	"recall/internal/embedder"
	"recall/internal/scanner"
	"recall/internal/segment"
	"recall/internal/store"
)

const (
	// embedBatchLimit bounds one backfill round: chunks selected per query
	// and texts per embed call.
	embedBatchLimit = 100

	memoryCooldown  = 5 * time.Second
	sessionCooldown = 60 * time.Second
)

// Stats reports the outcome of one sync pass.
type Stats struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Deleted int `json:"deleted"`
}

func (s Stats) add(o Stats) Stats {
	return Stats{s.Indexed + o.Indexed, s.Skipped + o.Skipped, s.Deleted + o.Deleted}
}

// Syncer drives incremental synchronization and embedding backfill.
type Syncer struct {
	store     *store.Store
	scan      *scanner.Scanner
	seg       *segment.Segmenter
	emb       embedder.Embedder
	chunkSize int
	log       *slog.Logger

	mu           sync.Mutex
	lastMemory   time.Time
	lastSessions time.Time
	lastSyncAt   time.Time

	wg    sync.WaitGroup
	embMu sync.Mutex
}

// New creates a Syncer. emb may be nil when no embedding backend exists.
func New(st *store.Store, scan *scanner.Scanner, seg *segment.Segmenter, emb embedder.Embedder, chunkSize int, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:     st,
		scan:      scan,
		seg:       seg,
		emb:       emb,
		chunkSize: chunkSize,
		log:       logger,
	}
}

// ChunkID derives the deterministic chunk identity.
func ChunkID(source, path string, startLine, endLine int, chunkHash string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%d:%s", source, path, startLine, endLine, chunkHash)))
	return hex.EncodeToString(h[:])
}

// SyncMemory synchronizes the memory source, gated by a 5 s cooldown unless
// forced. Force also reindexes files whose fingerprint is unchanged.
func (s *Syncer) SyncMemory(ctx context.Context, force bool) (Stats, error) {
	s.mu.Lock()
	if !force && time.Since(s.lastMemory) < memoryCooldown {
		s.mu.Unlock()
		return Stats{}, nil
	}
	s.mu.Unlock()

	entries, err := s.scan.ScanMemory()
	if err != nil {
		s.log.Warn("memory scan incomplete", "error", err)
	}
	stats := s.reconcile(ctx, scanner.SourceMemory, entries, force)

	s.mu.Lock()
	now := time.Now()
	s.lastMemory = now
	s.lastSyncAt = now
	s.mu.Unlock()
	return stats, nil
}

// SyncSessions synchronizes the session source, gated by a 60 s cooldown
// unless forced. Session content always chunks with the markdown strategy.
func (s *Syncer) SyncSessions(ctx context.Context, force bool) (Stats, error) {
	s.mu.Lock()
	if !force && time.Since(s.lastSessions) < sessionCooldown {
		s.mu.Unlock()
		return Stats{}, nil
	}
	s.mu.Unlock()

	entries, err := s.scan.ScanSessions()
	if err != nil {
		s.log.Warn("session scan incomplete", "error", err)
	}
	stats := s.reconcile(ctx, scanner.SourceSessions, entries, force)

	s.mu.Lock()
	now := time.Now()
	s.lastSessions = now
	s.lastSyncAt = now
	s.mu.Unlock()
	return stats, nil
}

// SyncAll runs both sources and kicks off embedding backfill.
func (s *Syncer) SyncAll(ctx context.Context, force bool) (Stats, error) {
	mem, err := s.SyncMemory(ctx, force)
	if err != nil {
		return mem, err
	}
	ses, err := s.SyncSessions(ctx, force)
	if err != nil {
		return mem.add(ses), err
	}
	s.StartEmbedding(ctx)
	return mem.add(ses), nil
}

// ResetCooldown clears the memory cooldown so the next call resyncs
// immediately. Mutations call this after writing the ledger.
func (s *Syncer) ResetCooldown() {
	s.mu.Lock()
	s.lastMemory = time.Time{}
	s.mu.Unlock()
}

// LastSyncAt returns the wall-clock time of the last completed sync.
func (s *Syncer) LastSyncAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncAt
}

// reconcile inserts/updates the active entries and deletes stale files.
func (s *Syncer) reconcile(ctx context.Context, source string, entries []scanner.Entry, force bool) Stats {
	var stats Stats
	active := make(map[string]bool, len(entries))

	for _, e := range entries {
		if ctx.Err() != nil {
			return stats
		}
		active[e.RelPath] = true

		stored, err := s.store.GetFileHash(e.RelPath, source)
		if err != nil {
			s.log.Warn("hash lookup failed", "path", e.RelPath, "error", err)
			continue
		}
		if stored == e.Hash && !force {
			stats.Skipped++
			continue
		}
		if err := s.indexEntry(e, source); err != nil {
			s.log.Warn("index failed", "path", e.RelPath, "error", err)
			continue
		}
		stats.Indexed++
	}

	stale, err := s.stalePaths(source, active)
	if err != nil {
		s.log.Warn("stale scan failed", "source", source, "error", err)
		return stats
	}
	if len(stale) > 0 {
		if err := s.store.DeleteFiles(stale, source); err != nil {
			s.log.Warn("stale delete failed", "source", source, "error", err)
		} else {
			stats.Deleted = len(stale)
		}
	}
	return stats
}

func (s *Syncer) indexEntry(e scanner.Entry, source string) error {
	var raw []chunker.Chunk
	if source == scanner.SourceSessions {
		raw = chunker.Markdown(e.Content, s.chunkSize)
	} else {
		raw = chunker.Split(e.RelPath, e.Content, s.chunkSize)
	}

	chunks := make([]store.Chunk, len(raw))
	ftsText := make([]string, len(raw))
	for i, c := range raw {
		hash := chunker.Hash(c.Text)
		chunks[i] = store.Chunk{
			ID:        ChunkID(source, e.RelPath, c.StartLine, c.EndLine, hash),
			Path:      e.RelPath,
			Source:    source,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Hash:      hash,
			Text:      c.Text,
		}
		ftsText[i] = s.seg.ForIndex(c.Text)
	}

	return s.store.ReplaceFile(store.FileRecord{
		Path:   e.RelPath,
		Source: source,
		Hash:   e.Hash,
		Mtime:  e.Mtime,
		Size:   e.Size,
	}, chunks, ftsText)
}

func (s *Syncer) stalePaths(source string, active map[string]bool) ([]string, error) {
	paths, err := s.store.ListFilePaths(source)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, p := range paths {
		if !active[p] {
			stale = append(stale, p)
		}
	}
	return stale, nil
}

// StartEmbedding spawns the embedding backfill as a background task. Errors
// are logged, never surfaced; Wait joins outstanding tasks on shutdown.
func (s *Syncer) StartEmbedding(ctx context.Context) {
	if !s.store.VecAvailable() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.embedPending(ctx)
	}()
}

// Wait blocks until all background embedding tasks finish.
func (s *Syncer) Wait() { s.wg.Wait() }

// EmbedPending runs one synchronous backfill pass (CLI sync path).
func (s *Syncer) EmbedPending(ctx context.Context) {
	if !s.store.VecAvailable() {
		return
	}
	s.embedPending(ctx)
}

// embedPending backfills vector entries for chunks that lack one, batch by
// batch: cache hits store directly, the rest go through one EmbedBatch call.
// The loop stops on the first failed batch and never retries in-process.
func (s *Syncer) embedPending(ctx context.Context) {
	s.embMu.Lock()
	defer s.embMu.Unlock()

	defer func() {
		n, err := s.store.GCEmbeddingCache()
		if err != nil {
			s.log.Warn("embedding cache gc failed", "error", err)
		} else if n > 0 {
			s.log.Debug("embedding cache gc", "removed", n)
		}
	}()

	for ctx.Err() == nil {
		chunks, err := s.store.ChunksWithoutEmbedding(embedBatchLimit)
		if err != nil {
			s.log.Warn("embedding scan failed", "error", err)
			return
		}
		if len(chunks) == 0 {
			return
		}

		var rows []store.EmbeddingRow
		var misses []store.Chunk
		for _, c := range chunks {
			if vec, ok := s.store.CachedEmbedding(c.Hash); ok && len(vec) == embedder.Dimensions {
				rows = append(rows, store.EmbeddingRow{ID: c.ID, Hash: c.Hash, Vector: vec})
			} else {
				misses = append(misses, c)
			}
		}

		if len(misses) > 0 {
			if s.emb == nil || !s.emb.Available(ctx) {
				s.flushRows(rows)
				s.log.Info("embedding backend unavailable", "pending", len(misses))
				return
			}
			texts := make([]string, len(misses))
			for i, c := range misses {
				texts[i] = c.Text
			}
			vecs, err := s.emb.EmbedBatch(ctx, texts)
			if err != nil {
				s.flushRows(rows)
				s.log.Warn("embedding batch failed, stopping this cycle",
					"pending", len(misses), "error", err)
				return
			}
			for i, c := range misses {
				rows = append(rows, store.EmbeddingRow{ID: c.ID, Hash: c.Hash, Vector: vecs[i]})
			}
		}

		if err := s.flushRows(rows); err != nil {
			return
		}
	}
}

func (s *Syncer) flushRows(rows []store.EmbeddingRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.store.InsertEmbeddings(rows); err != nil {
		s.log.Warn("embedding insert failed", "error", err)
		return err
	}
	return nil
}

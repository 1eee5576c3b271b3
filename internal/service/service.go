// Package service wires the store, scanner, syncer, search engine, and
// ledger into the typed operations the RPC transport exposes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"recall/internal/config"
	"recall/internal/embedder"
	"recall/internal/ledger"
	"recall/internal/scanner"
	"recall/internal/search"
	"recall/internal/segment"
	"recall/internal/store"
	"recall/internal/syncer"
)

// Service is the assembled memory core.
type Service struct {
	cfg    *config.Config
	store  *store.Store
	scan   *scanner.Scanner
	syncer *syncer.Syncer
	engine *search.Engine
	ledger *ledger.Ledger
	emb    *embedder.Ollama
	log    *slog.Logger
}

// Open builds the service from a resolved configuration.
func Open(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath, cfg.ChunkSize, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	seg := segment.New(logger)
	emb := embedder.NewOllama(cfg.Embedding.BaseURL, cfg.Embedding.Model, logger)
	scan := scanner.New(cfg.WorkspaceDir, cfg.SessionDays, cfg.SessionMax, logger)

	return &Service{
		cfg:    cfg,
		store:  st,
		scan:   scan,
		syncer: syncer.New(st, scan, seg, emb, cfg.ChunkSize, logger),
		engine: search.New(st, seg, emb, logger),
		ledger: ledger.New(cfg.WorkspaceDir, logger),
		emb:    emb,
		log:    logger,
	}, nil
}

// Close joins outstanding background work and releases the store.
func (s *Service) Close() error {
	s.syncer.Wait()
	return s.store.Close()
}

// Syncer exposes the sync engine (CLI sync command).
func (s *Service) Syncer() *syncer.Syncer { return s.syncer }

// Scanner exposes the scanner (tests override session roots through it).
func (s *Service) Scanner() *scanner.Scanner { return s.scan }

// Config returns the resolved configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// --- memory_search ---

// SearchRequest carries the memory_search inputs. After/Before are ISO-8601.
type SearchRequest struct {
	Query      string
	MaxResults int
	MinScore   *float64
	TokenMax   int
	After      string
	Before     string
}

// SearchResponse is the memory_search output.
type SearchResponse struct {
	Results []search.Result `json:"results"`
	Count   int             `json:"count"`
}

// Search syncs (debounced) and runs a hybrid query.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if _, err := s.syncer.SyncAll(ctx, false); err != nil {
		s.log.Warn("sync before search failed", "error", err)
	}

	opts := search.Options{
		MaxResults: req.MaxResults,
		MinScore:   req.MinScore,
		TokenMax:   s.tokenMax(req.TokenMax),
	}
	if req.After != "" {
		if ms, ok := search.ParseTime(req.After); ok {
			opts.After = &ms
		} else {
			s.log.Warn("ignoring unparseable after filter", "value", req.After)
		}
	}
	if req.Before != "" {
		if ms, ok := search.ParseTime(req.Before); ok {
			opts.Before = &ms
		} else {
			s.log.Warn("ignoring unparseable before filter", "value", req.Before)
		}
	}

	results, err := s.engine.Search(ctx, req.Query, opts)
	if err != nil {
		return SearchResponse{}, err
	}
	if results == nil {
		results = []search.Result{}
	}
	return SearchResponse{Results: results, Count: len(results)}, nil
}

func (s *Service) tokenMax(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.cfg.TokenMax
}

// --- memory_get ---

// GetResult is the memory_get output: either path+text or an error.
type GetResult struct {
	Path  string `json:"path,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Get reads a slice of an indexed memory file. The path must resolve inside
// the workspace to a top-level memory name or under memory/, with an
// indexable extension.
func (s *Service) Get(path string, from, lines int) GetResult {
	rel, ok := s.allowedRel(path)
	if !ok {
		return GetResult{Error: "path not allowed"}
	}

	data, err := os.ReadFile(filepath.Join(s.cfg.WorkspaceDir, filepath.FromSlash(rel)))
	if err != nil {
		return GetResult{Error: "file not found"}
	}

	text := string(data)
	if from > 0 || lines > 0 {
		all := strings.Split(text, "\n")
		start := from
		if start < 1 {
			start = 1
		}
		if start > len(all) {
			return GetResult{Path: rel, Text: ""}
		}
		end := len(all)
		if lines > 0 && start-1+lines < end {
			end = start - 1 + lines
		}
		text = strings.Join(all[start-1:end], "\n")
	}
	return GetResult{Path: rel, Text: text}
}

// allowedRel resolves path against the workspace and enforces the read
// allow-list.
func (s *Service) allowedRel(path string) (string, bool) {
	abs := filepath.Join(s.cfg.WorkspaceDir, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.cfg.WorkspaceDir, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	if !scanner.TopLevelName(rel) && !strings.HasPrefix(rel, "memory/") {
		return "", false
	}
	if !scanner.IndexedExt(rel) {
		return "", false
	}
	return rel, true
}

// --- memory_status ---

// StatusConfig echoes the effective tunables.
type StatusConfig struct {
	ChunkSize      int    `json:"chunkSize"`
	TokenMax       int    `json:"tokenMax"`
	SessionDays    int    `json:"sessionDays"`
	SessionMax     int    `json:"sessionMax"`
	EmbeddingModel string `json:"embeddingModel"`
	FTSAvailable   bool   `json:"ftsAvailable"`
	VecAvailable   bool   `json:"vecAvailable"`
}

// StatusResponse is the memory_status output.
type StatusResponse struct {
	WorkspaceDir   string       `json:"workspaceDir"`
	DBPath         string       `json:"dbPath"`
	Files          int          `json:"files"`
	MemoryFiles    int          `json:"memoryFiles"`
	SessionFiles   int          `json:"sessionFiles"`
	Chunks         int          `json:"chunks"`
	EmbeddedChunks int          `json:"embeddedChunks"`
	EmbeddingCache int          `json:"embeddingCache"`
	Config         StatusConfig `json:"config"`
	LastSyncAt     string       `json:"lastSyncAt,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
}

// Status syncs (debounced) and reports index health.
func (s *Service) Status(ctx context.Context) (StatusResponse, error) {
	if _, err := s.syncer.SyncAll(ctx, false); err != nil {
		s.log.Warn("sync before status failed", "error", err)
	}

	files, err := s.store.CountFiles("")
	if err != nil {
		return StatusResponse{}, err
	}
	memFiles, _ := s.store.CountFiles(scanner.SourceMemory)
	sesFiles, _ := s.store.CountFiles(scanner.SourceSessions)
	chunks, _ := s.store.CountChunks()
	embedded, _ := s.store.CountEmbedded()
	cache, _ := s.store.CountCache()

	resp := StatusResponse{
		WorkspaceDir:   s.cfg.WorkspaceDir,
		DBPath:         s.cfg.DBPath,
		Files:          files,
		MemoryFiles:    memFiles,
		SessionFiles:   sesFiles,
		Chunks:         chunks,
		EmbeddedChunks: embedded,
		EmbeddingCache: cache,
		Config: StatusConfig{
			ChunkSize:      s.cfg.ChunkSize,
			TokenMax:       s.cfg.TokenMax,
			SessionDays:    s.cfg.SessionDays,
			SessionMax:     s.cfg.SessionMax,
			EmbeddingModel: s.emb.Model(),
			FTSAvailable:   s.store.FTSAvailable(),
			VecAvailable:   s.store.VecAvailable(),
		},
		Warnings: s.warnings(files),
	}
	if t := s.syncer.LastSyncAt(); !t.IsZero() {
		resp.LastSyncAt = t.UTC().Format(time.RFC3339)
	}
	return resp, nil
}

func (s *Service) warnings(files int) []string {
	var warnings []string
	if files > 50 {
		warnings = append(warnings, fmt.Sprintf("%d files indexed; consider consolidating memory notes", files))
	}
	dups, err := s.store.DuplicateChunkHashes(5)
	if err == nil {
		for _, d := range dups {
			warnings = append(warnings, fmt.Sprintf("duplicate content %s… appears in %d files", d.Hash[:12], d.Paths))
		}
	}
	big, err := s.store.FilesWithManyChunks(500)
	if err == nil {
		for _, pc := range big {
			warnings = append(warnings, fmt.Sprintf("%s has %d chunks; consider splitting it", pc.Path, pc.Chunks))
		}
	}
	return warnings
}

// --- memory_write / memory_update / memory_forget ---

// Write appends a fact, dedups against the index, and resets the sync
// cooldown so the next call observes the change.
func (s *Service) Write(ctx context.Context, content, category, source, evidence string) (ledger.WriteResult, error) {
	if _, err := s.syncer.SyncMemory(ctx, false); err != nil {
		s.log.Warn("sync before write failed", "error", err)
	}
	res, err := s.ledger.Write(ctx, content, category, source, evidence, s.ledgerSearch)
	if err == nil && res.Stored {
		s.syncer.ResetCooldown()
	}
	return res, err
}

// Update replaces a fact in place.
func (s *Service) Update(ctx context.Context, oldContent, newContent, category, source, evidence string) (ledger.UpdateResult, error) {
	if _, err := s.syncer.SyncMemory(ctx, false); err != nil {
		s.log.Warn("sync before update failed", "error", err)
	}
	res, err := s.ledger.Update(ctx, oldContent, newContent, category, source, evidence, s.ledgerSearch)
	if err == nil && res.Updated {
		s.syncer.ResetCooldown()
	}
	return res, err
}

// Forget removes a fact.
func (s *Service) Forget(ctx context.Context, content, category string) (ledger.ForgetResult, error) {
	if _, err := s.syncer.SyncMemory(ctx, false); err != nil {
		s.log.Warn("sync before forget failed", "error", err)
	}
	res, err := s.ledger.Forget(ctx, content, category, s.ledgerSearch)
	if err == nil && res.Removed {
		s.syncer.ResetCooldown()
	}
	return res, err
}

func (s *Service) ledgerSearch(ctx context.Context, query string, maxResults int, minScore float64) ([]search.Result, error) {
	return s.engine.Search(ctx, query, search.Options{
		MaxResults: maxResults,
		MinScore:   &minScore,
		TokenMax:   s.cfg.TokenMax,
	})
}

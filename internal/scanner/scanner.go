// Package scanner enumerates the files feeding the index: memory notes under
// the workspace and session transcripts under the host CLIs' well-known
// roots. It reads contents and computes fingerprints; it never writes.
package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Source partitions of the index.
const (
	SourceMemory   = "memory"
	SourceSessions = "sessions"
)

// indexedExts is the extension allow-list for memory files.
var indexedExts = map[string]bool{
	".md":    true,
	".txt":   true,
	".json":  true,
	".jsonl": true,
	".yaml":  true,
	".yml":   true,
}

// topLevelNames are the memory files accepted directly under the workspace.
var topLevelNames = []string{"MEMORY.md", "memory.md", "MEMORY.txt", "memory.txt"}

// IndexedExt reports whether the path's lowercased extension is indexable.
func IndexedExt(path string) bool {
	return indexedExts[strings.ToLower(filepath.Ext(path))]
}

// TopLevelName reports whether rel is one of the accepted top-level memory
// file names.
func TopLevelName(rel string) bool {
	for _, n := range topLevelNames {
		if rel == n {
			return true
		}
	}
	return false
}

// Entry is a scanned file ready for indexing. Mtime is epoch milliseconds;
// Hash fingerprints the full decoded UTF-8 content.
type Entry struct {
	RelPath string
	Source  string
	Content string
	Hash    string
	Mtime   int64
	Size    int64
}

// Scanner walks the memory tree and the session transcript roots.
type Scanner struct {
	workspace    string
	sessionRoots []sessionRoot
	sessionDays  int
	sessionMax   int
	log          *slog.Logger
}

// New creates a scanner rooted at the workspace. Session roots live at fixed
// locations under the user's home directory.
func New(workspace string, sessionDays, sessionMax int, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Scanner{
		workspace: workspace,
		sessionRoots: []sessionRoot{
			{path: filepath.Join(home, ".copilot", "history-session-state"), layout: layoutCopilot},
			{path: filepath.Join(home, ".claude", "projects"), layout: layoutClaude},
		},
		sessionDays: sessionDays,
		sessionMax:  sessionMax,
		log:         logger,
	}
}

// SetSessionRoots overrides the transcript roots (tests and non-standard hosts).
func (s *Scanner) SetSessionRoots(copilot, claude string) {
	s.sessionRoots = []sessionRoot{
		{path: copilot, layout: layoutCopilot},
		{path: claude, layout: layoutClaude},
	}
}

// ScanMemory returns the active memory entries: the top-level MEMORY files
// plus every indexable regular file under memory/, symlinks skipped, paths
// deduplicated by resolved real path in first-seen order.
func (s *Scanner) ScanMemory() ([]Entry, error) {
	seen := make(map[string]bool)
	var entries []Entry

	admit := func(absPath, relPath string) {
		real, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			real = absPath
		}
		if seen[real] {
			return
		}
		seen[real] = true

		entry, err := s.readEntry(absPath, relPath)
		if err != nil {
			s.log.Warn("skipping unreadable memory file", "path", relPath, "error", err)
			return
		}
		entries = append(entries, entry)
	}

	for _, name := range topLevelNames {
		abs := filepath.Join(s.workspace, name)
		info, err := os.Lstat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		admit(abs, name)
	}

	memDir := filepath.Join(s.workspace, "memory")
	err := filepath.WalkDir(memDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			rel, _ := filepath.Rel(s.workspace, path)
			s.log.Warn("skipping symlink in memory tree", "path", filepath.ToSlash(rel))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() || !IndexedExt(path) {
			return nil
		}
		rel, err := filepath.Rel(s.workspace, path)
		if err != nil {
			return nil
		}
		admit(path, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return entries, err
	}
	return entries, nil
}

// readEntry reads the file and builds its index entry.
func (s *Scanner) readEntry(absPath, relPath string) (Entry, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return Entry{}, err
	}
	content := string(data)
	return Entry{
		RelPath: relPath,
		Source:  SourceMemory,
		Content: content,
		Hash:    Fingerprint(content),
		Mtime:   info.ModTime().UnixMilli(),
		Size:    info.Size(),
	}, nil
}

// Fingerprint returns the SHA-256 hex of the content.
func Fingerprint(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

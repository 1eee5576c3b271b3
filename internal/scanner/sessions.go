package scanner

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type sessionLayout int

const (
	// layoutCopilot: <root>/<session-uuid>/events.jsonl
	layoutCopilot sessionLayout = iota
	// layoutClaude: <root>/<project>/<session>.jsonl
	layoutClaude
)

type sessionRoot struct {
	path   string
	layout sessionLayout
}

type candidate struct {
	absPath string
	id      string
	mtime   int64
	size    int64
}

// ScanSessions returns the extracted session transcripts, newest first,
// bounded by the configured day window and count cap. A cap of 0 disables
// session indexing; -1 means unbounded.
func (s *Scanner) ScanSessions() ([]Entry, error) {
	if s.sessionMax == 0 {
		return nil, nil
	}

	var cutoff int64
	if s.sessionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -s.sessionDays).UnixMilli()
	}

	var candidates []candidate
	for _, root := range s.sessionRoots {
		candidates = append(candidates, collectCandidates(root, cutoff)...)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime > candidates[j].mtime
	})
	if s.sessionMax > 0 && len(candidates) > s.sessionMax {
		candidates = candidates[:s.sessionMax]
	}

	var entries []Entry
	for _, c := range candidates {
		data, err := os.ReadFile(c.absPath)
		if err != nil {
			s.log.Warn("skipping unreadable transcript", "path", c.absPath, "error", err)
			continue
		}
		text := ExtractTranscript(data)
		if text == "" {
			continue
		}
		entries = append(entries, Entry{
			RelPath: "sessions/" + c.id + ".jsonl",
			Source:  SourceSessions,
			Content: text,
			Hash:    Fingerprint(text),
			Mtime:   c.mtime,
			Size:    c.size,
		})
	}
	return entries, nil
}

func collectCandidates(root sessionRoot, cutoff int64) []candidate {
	dirs, err := os.ReadDir(root.path)
	if err != nil {
		return nil
	}

	var out []candidate
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		switch root.layout {
		case layoutCopilot:
			abs := filepath.Join(root.path, d.Name(), "events.jsonl")
			if c, ok := admitCandidate(abs, d.Name(), cutoff); ok {
				out = append(out, c)
			}
		case layoutClaude:
			files, err := os.ReadDir(filepath.Join(root.path, d.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
					continue
				}
				abs := filepath.Join(root.path, d.Name(), f.Name())
				id := strings.TrimSuffix(f.Name(), ".jsonl")
				if c, ok := admitCandidate(abs, id, cutoff); ok {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

func admitCandidate(absPath, id string, cutoff int64) (candidate, bool) {
	info, err := os.Stat(absPath)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return candidate{}, false
	}
	mtime := info.ModTime().UnixMilli()
	if cutoff > 0 && mtime < cutoff {
		return candidate{}, false
	}
	return candidate{absPath: absPath, id: id, mtime: mtime, size: info.Size()}, true
}

// transcript record shapes across the two host CLIs.
type transcriptLine struct {
	Type string `json:"type"`
	Data struct {
		Content string `json:"content"`
	} `json:"data"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractTranscript pulls the user/assistant turns out of a JSONL transcript
// and joins them with newlines. Malformed lines are ignored. Returns "" when
// no messages were extracted.
func ExtractTranscript(data []byte) string {
	var parts []string

	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec transcriptLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		switch rec.Type {
		case "user.message":
			if rec.Data.Content != "" && !strings.HasPrefix(rec.Data.Content, "/") {
				parts = append(parts, "User: "+rec.Data.Content)
			}
		case "assistant.message":
			if rec.Data.Content != "" {
				parts = append(parts, "Assistant: "+rec.Data.Content)
			}
		case "user":
			text := blockText(rec.Message.Content)
			if text != "" && !isCommandInput(text) {
				parts = append(parts, "User: "+text)
			}
		case "assistant":
			if text := blockText(rec.Message.Content); text != "" {
				parts = append(parts, "Assistant: "+text)
			}
		}
	}

	return strings.Join(parts, "\n")
}

// blockText reads a message content field that is either a plain string or
// an array of typed blocks, concatenating the text blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// isCommandInput filters host-CLI slash commands and command wrappers that
// are not conversational content.
func isCommandInput(text string) bool {
	return strings.HasPrefix(text, "/") ||
		strings.HasPrefix(text, "<command-") ||
		strings.HasPrefix(text, "<local-command-")
}

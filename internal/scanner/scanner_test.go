package scanner

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanMemory(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "MEMORY.md"), "# Top\n")
	writeFile(t, filepath.Join(ws, "memory", "notes.md"), "notes\n")
	writeFile(t, filepath.Join(ws, "memory", "deep", "facts.yaml"), "a: 1\n")
	writeFile(t, filepath.Join(ws, "memory", "ignore.exe"), "binary")
	writeFile(t, filepath.Join(ws, "random.md"), "not a memory file\n")

	s := New(ws, 30, -1, nil)
	entries, err := s.ScanMemory()
	if err != nil {
		t.Fatalf("ScanMemory: %v", err)
	}

	got := make(map[string]Entry)
	for _, e := range entries {
		got[e.RelPath] = e
	}
	for _, want := range []string{"MEMORY.md", "memory/notes.md", "memory/deep/facts.yaml"} {
		if _, ok := got[want]; !ok {
			t.Errorf("missing entry %s (got %v)", want, keys(got))
		}
	}
	if _, ok := got["memory/ignore.exe"]; ok {
		t.Error("extension filter failed")
	}
	if _, ok := got["random.md"]; ok {
		t.Error("non-memory top-level file admitted")
	}

	e := got["MEMORY.md"]
	if e.Source != SourceMemory {
		t.Errorf("source = %q", e.Source)
	}
	if e.Hash != Fingerprint("# Top\n") {
		t.Errorf("fingerprint mismatch")
	}
	if e.Mtime == 0 || e.Size == 0 {
		t.Errorf("stat fields not populated: %+v", e)
	}
}

func TestScanMemorySkipsSymlinks(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, filepath.Join(ws, "memory", "real.md"), "real\n")
	if err := os.Symlink(
		filepath.Join(ws, "memory", "real.md"),
		filepath.Join(ws, "memory", "link.md"),
	); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	s := New(ws, 30, -1, nil)
	entries, err := s.ScanMemory()
	if err != nil {
		t.Fatalf("ScanMemory: %v", err)
	}
	if len(entries) != 1 || entries[0].RelPath != "memory/real.md" {
		t.Errorf("entries = %+v, want only real.md", entries)
	}
}

func TestScanSessionsLayouts(t *testing.T) {
	copilot := t.TempDir()
	claude := t.TempDir()

	transcript := `{"type":"user.message","data":{"content":"how do retries work"}}
{"type":"assistant.message","data":{"content":"they use backoff"}}`
	writeFile(t, filepath.Join(copilot, "0a1b2c", "events.jsonl"), transcript)

	claudeTranscript := `{"type":"user","message":{"content":[{"type":"text","text":"what is the schema"}]}}
{"type":"assistant","message":{"content":"three tables"}}`
	writeFile(t, filepath.Join(claude, "myproject", "sess-42.jsonl"), claudeTranscript)

	s := New(t.TempDir(), 30, -1, nil)
	s.SetSessionRoots(copilot, claude)

	entries, err := s.ScanSessions()
	if err != nil {
		t.Fatalf("ScanSessions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	byPath := make(map[string]Entry)
	for _, e := range entries {
		byPath[e.RelPath] = e
	}
	cop, ok := byPath["sessions/0a1b2c.jsonl"]
	if !ok {
		t.Fatalf("missing copilot session: %v", keys(byPath))
	}
	if cop.Content != "User: how do retries work\nAssistant: they use backoff" {
		t.Errorf("copilot content = %q", cop.Content)
	}
	cl, ok := byPath["sessions/sess-42.jsonl"]
	if !ok {
		t.Fatalf("missing claude session: %v", keys(byPath))
	}
	if cl.Content != "User: what is the schema\nAssistant: three tables" {
		t.Errorf("claude content = %q", cl.Content)
	}
}

func TestScanSessionsDisabled(t *testing.T) {
	s := New(t.TempDir(), 30, 0, nil)
	entries, err := s.ScanSessions()
	if err != nil || entries != nil {
		t.Errorf("sessionMax=0 should disable: %v, %v", entries, err)
	}
}

func TestScanSessionsCap(t *testing.T) {
	copilot := t.TempDir()
	for _, id := range []string{"s1", "s2", "s3"} {
		writeFile(t, filepath.Join(copilot, id, "events.jsonl"),
			`{"type":"user.message","data":{"content":"hello from `+id+`"}}`)
	}
	s := New(t.TempDir(), 30, 2, nil)
	s.SetSessionRoots(copilot, t.TempDir())

	entries, err := s.ScanSessions()
	if err != nil {
		t.Fatalf("ScanSessions: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("cap not applied: %d entries", len(entries))
	}
}

func TestExtractTranscriptFilters(t *testing.T) {
	data := `{"type":"user.message","data":{"content":"/compact"}}
{"type":"user","message":{"content":"<command-name>status</command-name>"}}
{"type":"user","message":{"content":"<local-command-stdout>x</local-command-stdout>"}}
not json at all
{"type":"user.message","data":{"content":"real question"}}
{"type":"assistant.message","data":{"content":""}}
{"type":"unknown","data":{"content":"ignored"}}`

	got := ExtractTranscript([]byte(data))
	if got != "User: real question" {
		t.Errorf("extracted = %q", got)
	}
}

func TestExtractTranscriptEmpty(t *testing.T) {
	if got := ExtractTranscript([]byte(`{"type":"user.message","data":{"content":"/help"}}`)); got != "" {
		t.Errorf("expected empty extraction, got %q", got)
	}
}

func TestExtractTranscriptBlocks(t *testing.T) {
	data := `{"type":"assistant","message":{"content":[{"type":"text","text":"part one"},{"type":"tool_use","text":"skipped"},{"type":"text","text":"part two"}]}}`
	got := ExtractTranscript([]byte(data))
	if got != "Assistant: part one\npart two" {
		t.Errorf("extracted = %q", got)
	}
}

func keys[V any](m map[string]V) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

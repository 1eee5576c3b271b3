package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"recall/internal/config"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	ws := t.TempDir()
	cfg := &config.Config{
		WorkspaceDir: ws,
		DBPath:       filepath.Join(ws, "memory.db"),
		ChunkSize:    512,
		TokenMax:     4096,
		SessionDays:  30,
		SessionMax:   0,
		Embedding: config.EmbeddingConfig{
			// Nothing listens here; the embedder probe fails fast and the
			// service degrades to lexical-only search.
			BaseURL: "http://127.0.0.1:1",
			Model:   "nomic-embed-text",
		},
	}
	svc, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, ws
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetAllowList(t *testing.T) {
	svc, ws := newTestService(t)
	writeFile(t, filepath.Join(ws, "MEMORY.md"), "line1\nline2\nline3")
	writeFile(t, filepath.Join(ws, "memory", "notes.md"), "notes")
	writeFile(t, filepath.Join(ws, "secrets.env"), "TOKEN=x")

	if res := svc.Get("MEMORY.md", 0, 0); res.Error != "" || res.Text != "line1\nline2\nline3" {
		t.Errorf("MEMORY.md = %+v", res)
	}
	if res := svc.Get("memory/notes.md", 0, 0); res.Error != "" || res.Text != "notes" {
		t.Errorf("memory/notes.md = %+v", res)
	}

	for _, path := range []string{
		"secrets.env",          // not in the allow-list
		"../outside.md",        // escapes the workspace
		"memory/../secrets.env",
		"memory/run.sh",        // extension not indexable
		"memory.db",
	} {
		if res := svc.Get(path, 0, 0); res.Error != "path not allowed" {
			t.Errorf("Get(%q) = %+v, want path not allowed", path, res)
		}
	}

	if res := svc.Get("memory/missing.md", 0, 0); res.Error != "file not found" {
		t.Errorf("missing file = %+v", res)
	}
}

func TestGetLineRange(t *testing.T) {
	svc, ws := newTestService(t)
	writeFile(t, filepath.Join(ws, "MEMORY.md"), "l1\nl2\nl3\nl4\nl5")

	if res := svc.Get("MEMORY.md", 2, 3); res.Text != "l2\nl3\nl4" {
		t.Errorf("lines 2-4 = %q", res.Text)
	}
	if res := svc.Get("MEMORY.md", 4, 0); res.Text != "l4\nl5" {
		t.Errorf("from 4 = %q", res.Text)
	}
	if res := svc.Get("MEMORY.md", 99, 5); res.Error != "" || res.Text != "" {
		t.Errorf("past EOF = %+v", res)
	}
}

func TestSearchEndToEnd(t *testing.T) {
	svc, ws := newTestService(t)
	writeFile(t, filepath.Join(ws, "memory", "notes.md"), "the deploy pipeline uses blue green switching")

	resp, err := svc.Search(context.Background(), SearchRequest{Query: "blue green"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Count == 0 {
		t.Fatal("expected results after implicit sync")
	}
	if resp.Results[0].Path != "memory/notes.md" {
		t.Errorf("top result = %+v", resp.Results[0])
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	svc, _ := newTestService(t)
	resp, err := svc.Search(context.Background(), SearchRequest{Query: "  "})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Count != 0 || resp.Results == nil {
		t.Errorf("resp = %+v, want empty non-nil results", resp)
	}
}

func TestStatusCounts(t *testing.T) {
	svc, ws := newTestService(t)
	writeFile(t, filepath.Join(ws, "MEMORY.md"), "# Notes\nsome content here")
	writeFile(t, filepath.Join(ws, "memory", "a.md"), "more content")

	resp, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.Files != 2 || resp.MemoryFiles != 2 || resp.SessionFiles != 0 {
		t.Errorf("file counts = %+v", resp)
	}
	if resp.Chunks == 0 {
		t.Error("no chunks after sync")
	}
	if resp.WorkspaceDir != ws {
		t.Errorf("workspace = %q", resp.WorkspaceDir)
	}
	if resp.Config.ChunkSize != 512 || resp.Config.TokenMax != 4096 {
		t.Errorf("config echo = %+v", resp.Config)
	}
	if resp.LastSyncAt == "" {
		t.Error("lastSyncAt not set after sync")
	}
}

func TestWriteThenForgetRoundTrip(t *testing.T) {
	svc, ws := newTestService(t)

	res, err := svc.Write(context.Background(), "the linter runs on save", "editor", "chat", "")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !res.Stored || res.Path != "memory/editor.md" {
		t.Fatalf("write result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(ws, "memory", "editor.md")); err != nil {
		t.Fatalf("ledger file missing: %v", err)
	}

	// The cooldown reset makes the fact immediately searchable.
	sresp, err := svc.Search(context.Background(), SearchRequest{Query: "linter runs"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if sresp.Count == 0 {
		t.Error("fresh fact not searchable")
	}

	fres, err := svc.Forget(context.Background(), "linter runs on save", "")
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !fres.Removed {
		t.Fatalf("forget result = %+v", fres)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Write(ctx, "build takes ten minutes", "ci", "", ""); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Update(ctx, "build takes ten minutes", "build takes three minutes", "ci", "", "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Updated || res.New != "build takes three minutes" {
		t.Fatalf("update result = %+v", res)
	}
}

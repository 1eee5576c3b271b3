package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws, "copilot")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkspaceDir != ws {
		t.Errorf("workspace = %q", cfg.WorkspaceDir)
	}
	if cfg.DBPath != filepath.Join(ws, "memory.db") {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.ChunkSize != 512 || cfg.TokenMax != 4096 || cfg.SessionDays != 30 || cfg.SessionMax != -1 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("model = %q", cfg.Embedding.Model)
	}
}

func TestEnvOverridesAndClamping(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("MEMORY_CHUNK_SIZE", "16")    // below minimum → clamped to 64
	t.Setenv("MEMORY_TOKEN_MAX", "999999") // above maximum → clamped
	t.Setenv("MEMORY_SESSION_DAYS", "7")
	t.Setenv("MEMORY_SESSION_MAX", "-5") // below -1 → clamped
	t.Setenv("MEMORY_DB_PATH", "custom.db")

	cfg, err := Load(ws, "copilot")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != MinChunkSize {
		t.Errorf("chunk size = %d, want %d", cfg.ChunkSize, MinChunkSize)
	}
	if cfg.TokenMax != MaxTokenMax {
		t.Errorf("token max = %d, want %d", cfg.TokenMax, MaxTokenMax)
	}
	if cfg.SessionDays != 7 || cfg.SessionMax != -1 {
		t.Errorf("session knobs = %d, %d", cfg.SessionDays, cfg.SessionMax)
	}
	if cfg.DBPath != filepath.Join(ws, "custom.db") {
		t.Errorf("relative db path not anchored to workspace: %q", cfg.DBPath)
	}
}

func TestFileConfigAndEnvPrecedence(t *testing.T) {
	ws := t.TempDir()
	yaml := `chunk_size: 256
token_max: 2048
embedding:
  model: custom-model
`
	if err := os.WriteFile(filepath.Join(ws, "memory.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEMORY_TOKEN_MAX", "1024")

	cfg, err := Load(ws, "copilot")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != 256 {
		t.Errorf("file chunk_size ignored: %d", cfg.ChunkSize)
	}
	if cfg.TokenMax != 1024 {
		t.Errorf("env should beat file: %d", cfg.TokenMax)
	}
	if cfg.Embedding.Model != "custom-model" {
		t.Errorf("file embedding model ignored: %q", cfg.Embedding.Model)
	}
}

func TestMalformedFileIgnored(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "memory.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(ws, "copilot")
	if err != nil {
		t.Fatalf("Load should not fail on bad yaml: %v", err)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("chunk size = %d", cfg.ChunkSize)
	}
}

// Package config resolves the service configuration from the environment,
// an optional memory.yaml in the workspace, and built-in defaults.
// Precedence: environment > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults and bounds for the tunable knobs.
const (
	DefaultChunkSize = 512
	MinChunkSize     = 64
	MaxChunkSize     = 4096

	DefaultTokenMax = 4096
	MinTokenMax     = 100
	MaxTokenMax     = 16384

	DefaultSessionDays = 30
	DefaultSessionMax  = -1
)

// EmbeddingConfig points at the local Ollama instance used for embeddings.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Config is the fully resolved service configuration.
type Config struct {
	WorkspaceDir string
	DBPath       string
	ChunkSize    int
	TokenMax     int
	SessionDays  int
	SessionMax   int
	Embedding    EmbeddingConfig
}

// fileConfig is the shape of the optional <workspace>/memory.yaml.
type fileConfig struct {
	DBPath      string          `yaml:"db_path"`
	ChunkSize   *int            `yaml:"chunk_size"`
	TokenMax    *int            `yaml:"token_max"`
	SessionDays *int            `yaml:"session_days"`
	SessionMax  *int            `yaml:"session_max"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
}

// DefaultWorkspace returns the workspace root for a host profile
// ("copilot" or "claude") under the user's home directory.
func DefaultWorkspace(profile string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if profile == "claude" {
		return filepath.Join(home, ".claude")
	}
	return filepath.Join(home, ".copilot")
}

// Load resolves the configuration. The workspace argument (from a CLI flag)
// takes precedence over MEMORY_WORKSPACE; pass "" to use env or defaults.
func Load(workspace, profile string) (*Config, error) {
	if workspace == "" {
		workspace = os.Getenv("MEMORY_WORKSPACE")
	}
	if workspace == "" {
		workspace = DefaultWorkspace(profile)
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	cfg := &Config{
		WorkspaceDir: abs,
		DBPath:       filepath.Join(abs, "memory.db"),
		ChunkSize:    DefaultChunkSize,
		TokenMax:     DefaultTokenMax,
		SessionDays:  DefaultSessionDays,
		SessionMax:   DefaultSessionMax,
		Embedding: EmbeddingConfig{
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
	}

	applyFile(cfg, filepath.Join(abs, "memory.yaml"))
	applyEnv(cfg)

	cfg.ChunkSize = clamp(cfg.ChunkSize, MinChunkSize, MaxChunkSize)
	cfg.TokenMax = clamp(cfg.TokenMax, MinTokenMax, MaxTokenMax)
	if cfg.SessionDays < 0 {
		cfg.SessionDays = 0
	}
	if cfg.SessionMax < -1 {
		cfg.SessionMax = -1
	}
	return cfg, nil
}

// applyFile overlays values from memory.yaml when present. A malformed file
// is ignored; config must never block startup.
func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return
	}
	if fc.DBPath != "" {
		fc.DBPath = expandPath(fc.DBPath, cfg.WorkspaceDir)
		cfg.DBPath = fc.DBPath
	}
	if fc.ChunkSize != nil {
		cfg.ChunkSize = *fc.ChunkSize
	}
	if fc.TokenMax != nil {
		cfg.TokenMax = *fc.TokenMax
	}
	if fc.SessionDays != nil {
		cfg.SessionDays = *fc.SessionDays
	}
	if fc.SessionMax != nil {
		cfg.SessionMax = *fc.SessionMax
	}
	if fc.Embedding.BaseURL != "" {
		cfg.Embedding.BaseURL = fc.Embedding.BaseURL
	}
	if fc.Embedding.Model != "" {
		cfg.Embedding.Model = fc.Embedding.Model
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MEMORY_DB_PATH"); v != "" {
		cfg.DBPath = expandPath(v, cfg.WorkspaceDir)
	}
	if v, ok := envInt("MEMORY_CHUNK_SIZE"); ok {
		cfg.ChunkSize = v
	}
	if v, ok := envInt("MEMORY_TOKEN_MAX"); ok {
		cfg.TokenMax = v
	}
	if v, ok := envInt("MEMORY_SESSION_DAYS"); ok {
		cfg.SessionDays = v
	}
	if v, ok := envInt("MEMORY_SESSION_MAX"); ok {
		cfg.SessionMax = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func expandPath(p, base string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package embedder turns text into fixed-dimension vectors via a local
// Ollama instance. The model is a process-global resource: it is probed
// lazily on first use and a negative probe sticks for the process lifetime.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

// Dimensions is the fixed embedding width. A backend returning any other
// length fails the batch.
const Dimensions = 768

// Embedder is the vector capability consumed by sync and search.
type Embedder interface {
	// Embed returns the L2-normalized vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds texts preserving input order. It fails as a whole
	// on a hard backend error.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Available probes the backend once; a negative result is cached for
	// the process lifetime.
	Available(ctx context.Context) bool
	// Dimensions returns the fixed vector width.
	Dimensions() int
}

// Ollama calls the Ollama /api/embed endpoint.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	log     *slog.Logger

	mu        sync.Mutex
	probed    bool
	available bool
}

// NewOllama creates an embedder targeting the given Ollama instance.
func NewOllama(baseURL, model string, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		log: logger,
	}
}

// Model returns the configured model name.
func (e *Ollama) Model() string { return e.model }

// Dimensions returns the fixed vector width.
func (e *Ollama) Dimensions() int { return Dimensions }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch sends a batch of texts to Ollama and returns their normalized
// embeddings. The returned slice has the same length and order as the input.
func (e *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama embed returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	for i, vec := range result.Embeddings {
		if len(vec) != Dimensions {
			return nil, fmt.Errorf("embedding %d has %d dims, want %d", i, len(vec), Dimensions)
		}
		normalize(vec)
	}

	return result.Embeddings, nil
}

// Embed embeds a single text.
func (e *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	results, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Available probes the backend with a one-word embed on first call and
// caches the verdict. Once negative, it stays negative for this process.
func (e *Ollama) Available(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.probed {
		return e.available
	}
	e.probed = true

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := e.EmbedBatch(probeCtx, []string{"ok"})
	e.available = err == nil
	if err != nil {
		e.log.Warn("embedding backend unavailable", "model", e.model, "error", err)
	}
	return e.available
}

// normalize scales the vector to unit L2 length in place.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

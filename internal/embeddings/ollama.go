package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned when the embedding circuit breaker is open and
// rejects requests to prevent cascading failures.
var ErrCircuitOpen = errors.New("embedding circuit breaker is open")

// OllamaConfig holds remote embedding client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama-compatible API
	// (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model name (default: nomic-embed-text).
	Model string

	// Dimensions is the embedding vector size the model produces
	// (default: 768 for nomic-embed-text).
	Dimensions int

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration

	// RequestsPerSecond rate-limits outbound calls; 0 disables limiting.
	RequestsPerSecond float64

	// BatchSize is the number of texts sent per request (default: 32).
	BatchSize int
}

// Ollama computes embeddings through a remote Ollama-compatible HTTP API.
// All calls are wrapped with circuit breaker protection and an optional
// client-side rate limiter.
type Ollama struct {
	baseURL    string
	model      string
	dimensions int
	batchSize  int
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
}

// embedRequest is the request body for the /api/embed endpoint.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the response from /api/embed. One embedding per input.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllama creates a remote embedding client with the given configuration.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "EmbeddingCircuitBreaker",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Ollama{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		limiter:    limiter,
	}
}

// Embed computes embeddings for texts, batching requests and concatenating
// results in input order.
func (c *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	if err := checkDimensions(out, c.dimensions); err != nil {
		return nil, err
	}
	return out, nil
}

// Dimensions returns the embedding vector size.
func (c *Ollama) Dimensions() int {
	return c.dimensions
}

func (c *Ollama) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doEmbed(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}

	return result.([][]float32), nil
}

func (c *Ollama) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings: API returned status %d: %s", resp.StatusCode, payload)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d embeddings for %d inputs", len(parsed.Embeddings), len(texts))
	}

	return parsed.Embeddings, nil
}

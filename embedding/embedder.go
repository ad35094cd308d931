package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedder turns text into fixed-length vectors. Documents and queries are
// embedded with different preprocessing but share one vector space; ModelID
// identifies that space so stale vectors can be detected at search time.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
	expectDim  int
	queryCache *queryCache
}

type embeddingRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedderFromEnv constructs an embedder for an OpenAI-compatible
// embeddings endpoint.
//
// Expected variables:
//   - EMBEDDING_API_KEY (falls back to LLM_API_KEY): required
//   - EMBEDDING_BASE_URL (falls back to LLM_BASE_URL): API base URL
//   - EMBEDDING_MODEL_ID: model identifier (defaults to text-embedding-004)
//   - EMBEDDING_MAX_BATCH: inputs per request (defaults to 16)
//   - EMBEDDING_VECTOR_DIM: expected vector length, checked when set
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("embedding: EMBEDDING_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		return nil, errors.New("embedding: EMBEDDING_BASE_URL environment variable is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("embedding: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-004"
	}

	maxBatch := 16
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	expectDim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			expectDim = parsed
		}
	}
	if expectDim == 0 {
		if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				expectDim = parsed
			}
		}
	}

	embedder := &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		maxBatch:   maxBatch,
		expectDim:  expectDim,
		queryCache: newQueryCacheFromEnv(modelID),
	}
	return embedder, nil
}

func (e *httpEmbedder) ModelID() string {
	return e.modelID
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	sanitized := make([]string, 0, len(inputs))
	for _, item := range inputs {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		sanitized = append(sanitized, trimmed)
	}
	if len(sanitized) == 0 {
		return nil, nil
	}

	var results [][]float32
	for start := 0; start < len(sanitized); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(sanitized) {
			end = len(sanitized)
		}
		vectors, err := e.embedBatch(ctx, sanitized[start:end], "document")
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *httpEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("embedding: query text cannot be empty")
	}

	if cached, ok := e.queryCache.get(ctx, trimmed); ok {
		return cached, nil
	}

	vectors, err := e.embedBatch(ctx, []string{trimmed}, "query")
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding: expected 1 query vector, got %d", len(vectors))
	}

	e.queryCache.set(ctx, trimmed, vectors[0])
	return vectors[0], nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string, inputType string) ([][]float32, error) {
	payload := embeddingRequest{
		Model:     e.modelID,
		Input:     batch,
		InputType: inputType,
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("embedding: encode payload: %w", err)
	}

	endpoint := e.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, newProviderError(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}

	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("embedding: response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.expectDim > 0 && len(vector) != e.expectDim {
			return nil, fmt.Errorf("embedding: vector length %d does not match expected %d", len(vector), e.expectDim)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

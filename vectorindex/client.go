package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Point is one vector entry keyed by chunk. The payload copies enough
// metadata (document id, chunk id, content) for search results to be
// resolved without a metadata-store round trip.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type ScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Client talks to a Qdrant instance over its HTTP API. All entries live in
// one collection; per-document scoping happens through payload filters.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
}

// NewClientFromEnv builds a Client from QDRANT_URL, QDRANT_API_KEY,
// QDRANT_COLLECTION (default "documents") and QDRANT_VECTOR_DIM.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("vectorindex: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("vectorindex: parse Qdrant URL: %w", err)
	}

	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = "documents"
	}

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		collection: collection,
		vectorSize: vectorSize,
	}, nil
}

func (c *Client) Collection() string {
	return c.collection
}

// EnsureCollection creates the collection when missing: cosine distance,
// int8 scalar quantization and raised HNSW limits for recall, plus a keyword
// payload index on document_id so per-document filters and deletes stay fast.
// An already existing collection is left untouched.
func (c *Client) EnsureCollection(ctx context.Context) error {
	if c == nil {
		return errors.New("vectorindex: client is not configured")
	}
	if c.vectorSize <= 0 {
		return errors.New("vectorindex: QDRANT_VECTOR_DIM must be positive")
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     c.vectorSize,
			"distance": "Cosine",
		},
		"quantization_config": map[string]interface{}{
			"scalar": map[string]interface{}{
				"type":       "int8",
				"quantile":   0.99,
				"always_ram": true,
			},
		},
		"hnsw_config": map[string]interface{}{
			"m":            32,
			"ef_construct": 200,
		},
	}

	status, body, err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(c.collection), payload)
	if err != nil {
		return err
	}
	if status >= 400 && status != http.StatusConflict {
		return fmt.Errorf("vectorindex: ensure collection status %d: %s", status, body)
	}

	indexPayload := map[string]interface{}{
		"field_name":   "document_id",
		"field_schema": "keyword",
	}
	status, body, err = c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(c.collection)+"/index", indexPayload)
	if err != nil {
		return err
	}
	if status >= 400 && status != http.StatusConflict {
		return fmt.Errorf("vectorindex: create payload index status %d: %s", status, body)
	}
	return nil
}

// Upsert writes points into the collection.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if c == nil {
		return errors.New("vectorindex: client is not configured")
	}
	if len(points) == 0 {
		return nil
	}

	payload := map[string]interface{}{"points": points}
	status, body, err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(c.collection)+"/points?wait=true", payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("vectorindex: upsert status %d: %s", status, body)
	}
	return nil
}

// DeletePoints removes entries by id.
func (c *Client) DeletePoints(ctx context.Context, pointIDs []string) error {
	if c == nil {
		return errors.New("vectorindex: client is not configured")
	}
	if len(pointIDs) == 0 {
		return nil
	}

	payload := map[string]interface{}{"points": pointIDs}
	status, body, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(c.collection)+"/points/delete?wait=true", payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("vectorindex: delete points status %d: %s", status, body)
	}
	return nil
}

// DeleteByDocument removes every entry whose payload references the given
// document, covering both cascade deletion and failed-ingestion rollback.
func (c *Client) DeleteByDocument(ctx context.Context, documentID string) error {
	if c == nil {
		return errors.New("vectorindex: client is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return errors.New("vectorindex: document id is required")
	}

	payload := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "document_id", "match": map[string]interface{}{"value": documentID}},
			},
		},
	}
	status, body, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(c.collection)+"/points/delete?wait=true", payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("vectorindex: delete by document status %d: %s", status, body)
	}
	return nil
}

// Search runs a nearest-neighbor query with an optional payload filter.
func (c *Client) Search(ctx context.Context, vector []float32, limit int, filter map[string]interface{}) ([]ScoredPoint, error) {
	if c == nil {
		return nil, errors.New("vectorindex: client is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		payload["filter"] = filter
	}

	status, body, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(c.collection)+"/points/search", payload)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("vectorindex: search status %d: %s", status, body)
	}

	var decoded struct {
		Result []rawScoredPoint `json:"result"`
	}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, fmt.Errorf("vectorindex: decode search response: %w", err)
	}
	return convertScoredPoints(decoded.Result), nil
}

// SearchBatch runs several nearest-neighbor queries in one request, used by
// multi-query retrieval to avoid per-variant network overhead.
func (c *Client) SearchBatch(ctx context.Context, vectors [][]float32, limit int, filter map[string]interface{}) ([][]ScoredPoint, error) {
	if c == nil {
		return nil, errors.New("vectorindex: client is not configured")
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	searches := make([]map[string]interface{}, 0, len(vectors))
	for _, vector := range vectors {
		search := map[string]interface{}{
			"vector":       vector,
			"limit":        limit,
			"with_payload": true,
		}
		if filter != nil {
			search["filter"] = filter
		}
		searches = append(searches, search)
	}

	payload := map[string]interface{}{"searches": searches}
	status, body, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(c.collection)+"/points/search/batch", payload)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("vectorindex: batch search status %d: %s", status, body)
	}

	var decoded struct {
		Result [][]rawScoredPoint `json:"result"`
	}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, fmt.Errorf("vectorindex: decode batch search response: %w", err)
	}

	results := make([][]ScoredPoint, 0, len(decoded.Result))
	for _, hits := range decoded.Result {
		results = append(results, convertScoredPoints(hits))
	}
	return results, nil
}

type rawScoredPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

func convertScoredPoints(raw []rawScoredPoint) []ScoredPoint {
	points := make([]ScoredPoint, 0, len(raw))
	for _, item := range raw {
		points = append(points, ScoredPoint{
			ID:      stringifyPointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return points
}

func stringifyPointID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (int, string, error) {
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return 0, "", fmt.Errorf("vectorindex: encode payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, "", fmt.Errorf("vectorindex: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("vectorindex: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, strings.TrimSpace(string(raw)), nil
}

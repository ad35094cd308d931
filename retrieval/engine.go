package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gorm.io/gorm"

	"docuchat_back/documents"
	"docuchat_back/embedding"
	"docuchat_back/llm"
	"docuchat_back/vectorindex"
)

// Index is the read side of the vector store.
type Index interface {
	Search(ctx context.Context, vector []float32, limit int, filter map[string]interface{}) ([]vectorindex.ScoredPoint, error)
	SearchBatch(ctx context.Context, vectors [][]float32, limit int, filter map[string]interface{}) ([][]vectorindex.ScoredPoint, error)
}

// Expander supplies the LLM-backed rewriting used by the advanced retrieval
// modes. A nil Expander limits the engine to basic single-query search.
type Expander interface {
	ExpandQueries(ctx context.Context, query string, n int) ([]string, error)
	StepBackQuery(ctx context.Context, query string) (string, error)
	HypotheticalAnswer(ctx context.Context, query string) (string, error)
	RerankDocuments(ctx context.Context, query string, docs []string, topN int) ([]llm.RankedDocument, error)
}

// Options selects how much work a search is allowed to do. Expansion and
// re-ranking trade latency and provider cost for precision.
type Options struct {
	Limit        int
	UseExpansion bool
	UseRerank    bool
}

// Result is one scored chunk reference, resolved from the vector entry's
// copied payload.
type Result struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Filename   string  `json:"filename"`
	Score      float64 `json:"score"`

	uploadUnix int64
}

// Engine answers queries against the vector index, restricted to chunks of
// processed documents in the current embedding space.
type Engine struct {
	db       *gorm.DB
	embedder embedding.Embedder
	index    Index
	expander Expander
	minScore float64
}

const rrfK = 60

func NewEngine(db *gorm.DB, embedder embedding.Embedder, index Index, expander Expander) *Engine {
	minScore := 0.0
	if raw := strings.TrimSpace(os.Getenv("RETRIEVAL_MIN_SCORE")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			minScore = parsed
		}
	}
	return &Engine{db: db, embedder: embedder, index: index, expander: expander, minScore: minScore}
}

// Search returns at most opts.Limit scored chunk references, highest
// relevance first. No processed documents, or nothing above the similarity
// floor, yields an empty result rather than an error. Ordering is
// deterministic: score, then chunk index, then document upload time.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, errors.New("retrieval: query cannot be empty")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}

	filter, any, err := e.processedFilter(ctx)
	if err != nil {
		return nil, err
	}
	if !any {
		return nil, nil
	}

	var results []Result
	if opts.UseExpansion && e.expander != nil {
		results, err = e.searchExpanded(ctx, trimmed, limit, filter)
	} else {
		results, err = e.searchBasic(ctx, trimmed, limit, filter)
	}
	if err != nil {
		return nil, err
	}

	if opts.UseRerank && e.expander != nil && len(results) > 0 {
		results, err = e.rerank(ctx, trimmed, results, limit)
		if err != nil {
			return nil, err
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// processedFilter scopes searches to documents the metadata store marks
// processed, in the embedder's current vector space. The metadata store is
// authoritative for what exists; the index only serves similarity.
func (e *Engine) processedFilter(ctx context.Context) (map[string]interface{}, bool, error) {
	var ids []string
	if err := e.db.WithContext(ctx).Model(&documents.Document{}).
		Where("status = ?", documents.StatusProcessed).
		Pluck("id", &ids).Error; err != nil {
		return nil, false, fmt.Errorf("retrieval: list processed documents: %w", err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}

	anyIDs := make([]interface{}, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	filter := map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "document_id", "match": map[string]interface{}{"any": anyIDs}},
			{"key": "embedding_model", "match": map[string]interface{}{"value": e.embedder.ModelID()}},
		},
	}
	return filter, true, nil
}

func (e *Engine) searchBasic(ctx context.Context, query string, limit int, filter map[string]interface{}) ([]Result, error) {
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := e.index.Search(ctx, vector, limit*2, filter)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < e.minScore {
			continue
		}
		result, ok := resultFromPoint(hit)
		if !ok {
			continue
		}
		results = append(results, result)
	}
	sortResults(results)
	return results, nil
}

// searchExpanded widens the query into several variants (multi-query,
// step-back, HyDE), embeds them in parallel, batch-searches, and fuses the
// per-variant rankings with reciprocal rank fusion.
func (e *Engine) searchExpanded(ctx context.Context, query string, limit int, filter map[string]interface{}) ([]Result, error) {
	queries := []string{query}

	expanded, err := e.expander.ExpandQueries(ctx, query, 3)
	if err == nil {
		queries = append(queries, expanded...)
	}
	if stepBack, err := e.expander.StepBackQuery(ctx, query); err == nil && stepBack != "" {
		queries = append(queries, stepBack)
	}
	if hypothetical, err := e.expander.HypotheticalAnswer(ctx, query); err == nil && hypothetical != "" {
		queries = append(queries, hypothetical)
	}
	queries = dedupeStrings(queries)

	vectors := make([][]float32, len(queries))
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			vector, err := e.embedder.EmbedQuery(ctx, q)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			vectors[i] = vector
		}(i, q)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	batches, err := e.index.SearchBatch(ctx, vectors, limit*2, filter)
	if err != nil {
		return nil, err
	}

	fused := make(map[string]float64)
	points := make(map[string]vectorindex.ScoredPoint)
	order := make([]string, 0)
	for _, hits := range batches {
		for rank, hit := range hits {
			if _, seen := points[hit.ID]; !seen {
				points[hit.ID] = hit
				order = append(order, hit.ID)
			}
			fused[hit.ID] += 1.0 / float64(rrfK+rank+1)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return fused[order[i]] > fused[order[j]]
	})
	if len(order) > limit*2 {
		order = order[:limit*2]
	}

	results := make([]Result, 0, len(order))
	for _, id := range order {
		result, ok := resultFromPoint(points[id])
		if !ok {
			continue
		}
		result.Score = fused[id]
		results = append(results, result)
	}
	return results, nil
}

func (e *Engine) rerank(ctx context.Context, query string, candidates []Result, limit int) ([]Result, error) {
	docs := make([]string, len(candidates))
	for i, candidate := range candidates {
		docs[i] = candidate.Content
	}

	ranked, err := e.expander.RerankDocuments(ctx, query, docs, limit)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(ranked))
	for _, entry := range ranked {
		if entry.Index < 0 || entry.Index >= len(candidates) {
			continue
		}
		result := candidates[entry.Index]
		result.Score = entry.Score
		results = append(results, result)
	}
	return results, nil
}

func resultFromPoint(point vectorindex.ScoredPoint) (Result, bool) {
	payload := point.Payload
	if payload == nil {
		return Result{}, false
	}

	result := Result{ChunkID: point.ID, Score: point.Score}
	if v, ok := payload["document_id"].(string); ok {
		result.DocumentID = v
	}
	if result.DocumentID == "" {
		return Result{}, false
	}
	if v, ok := payload["chunk_id"].(string); ok && v != "" {
		result.ChunkID = v
	}
	if v, ok := payload["chunk_index"].(float64); ok {
		result.ChunkIndex = int(v)
	}
	if v, ok := payload["content"].(string); ok {
		result.Content = v
	}
	if v, ok := payload["filename"].(string); ok {
		result.Filename = v
	}
	if v, ok := payload["upload_unix"].(float64); ok {
		result.uploadUnix = int64(v)
	}
	return result, true
}

// sortResults orders by score descending; ties break on earlier chunk index,
// then earlier document upload time, then document id, so equal-score runs
// are reproducible.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ChunkIndex != results[j].ChunkIndex {
			return results[i].ChunkIndex < results[j].ChunkIndex
		}
		if results[i].uploadUnix != results[j].uploadUnix {
			return results[i].uploadUnix < results[j].uploadUnix
		}
		return results[i].DocumentID < results[j].DocumentID
	})
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

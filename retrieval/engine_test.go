package retrieval

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"docuchat_back/documents"
	"docuchat_back/llm"
	"docuchat_back/vectorindex"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := documents.OpenDatabase("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, documents.AutoMigrate(db))
	return db
}

func seedProcessedDocument(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	require.NoError(t, db.Create(&documents.Document{
		ID:               id,
		Filename:         id + ".txt",
		OriginalFilename: id + ".txt",
		FileType:         "txt",
		Status:           documents.StatusProcessed,
		NumChunks:        1,
	}).Error)
}

// queryEmbedder maps known query words onto fixed vectors so similarity
// ordering in the fake index is predictable.
type queryEmbedder struct {
	vectors map[string][]float32
}

func (q *queryEmbedder) ModelID() string { return "fake-embedder" }

func (q *queryEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		vector, err := q.EmbedQuery(ctx, input)
		if err != nil {
			return nil, err
		}
		out[i] = vector
	}
	return out, nil
}

func (q *queryEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	for word, vector := range q.vectors {
		if strings.Contains(strings.ToLower(text), word) {
			return vector, nil
		}
	}
	return []float32{0, 0, 1}, nil
}

// scriptedIndex returns pre-arranged hits per query vector. cosine picks the
// hit list whose key vector matches the query best.
type scriptedIndex struct {
	hits map[string][]vectorindex.ScoredPoint
	keys map[string][]float32
}

func (s *scriptedIndex) Search(_ context.Context, vector []float32, limit int, _ map[string]interface{}) ([]vectorindex.ScoredPoint, error) {
	best := ""
	bestDot := float32(-2)
	for key, keyVector := range s.keys {
		var dot float32
		for i := range keyVector {
			if i < len(vector) {
				dot += keyVector[i] * vector[i]
			}
		}
		if dot > bestDot {
			bestDot = dot
			best = key
		}
	}
	hits := s.hits[best]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *scriptedIndex) SearchBatch(ctx context.Context, vectors [][]float32, limit int, filter map[string]interface{}) ([][]vectorindex.ScoredPoint, error) {
	out := make([][]vectorindex.ScoredPoint, len(vectors))
	for i, vector := range vectors {
		hits, err := s.Search(ctx, vector, limit, filter)
		if err != nil {
			return nil, err
		}
		out[i] = hits
	}
	return out, nil
}

func point(id, docID string, index int, content string, score float64) vectorindex.ScoredPoint {
	return vectorindex.ScoredPoint{
		ID:    id,
		Score: score,
		Payload: map[string]interface{}{
			"document_id": docID,
			"chunk_id":    id,
			"chunk_index": float64(index),
			"content":     content,
			"filename":    docID + ".txt",
			"upload_unix": float64(1700000000),
		},
	}
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	engine := NewEngine(openTestDB(t), &queryEmbedder{}, &scriptedIndex{}, nil)
	_, err := engine.Search(context.Background(), "   ", Options{})
	assert.Error(t, err)
}

func TestSearchNoProcessedDocumentsReturnsEmpty(t *testing.T) {
	db := openTestDB(t)
	// A pending document must not make its chunks searchable.
	require.NoError(t, db.Create(&documents.Document{
		ID: uuid.NewString(), Filename: "p.txt", OriginalFilename: "p.txt",
		FileType: "txt", Status: documents.StatusPending,
	}).Error)

	engine := NewEngine(db, &queryEmbedder{}, &scriptedIndex{}, nil)
	results, err := engine.Search(context.Background(), "anything", Options{Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRanksByTopicalSimilarity(t *testing.T) {
	db := openTestDB(t)
	seedProcessedDocument(t, db, "doc-cats")
	seedProcessedDocument(t, db, "doc-dogs")

	embedder := &queryEmbedder{vectors: map[string][]float32{
		"cat": {1, 0, 0},
		"dog": {0, 1, 0},
	}}
	index := &scriptedIndex{
		keys: map[string][]float32{"cats": {1, 0, 0}, "dogs": {0, 1, 0}},
		hits: map[string][]vectorindex.ScoredPoint{
			"cats": {
				point("c1", "doc-cats", 0, "Cats purr and nap in sunbeams.", 0.95),
				point("d1", "doc-dogs", 0, "Dogs bark at the mail carrier.", 0.30),
			},
			"dogs": {
				point("d1", "doc-dogs", 0, "Dogs bark at the mail carrier.", 0.93),
				point("c1", "doc-cats", 0, "Cats purr and nap in sunbeams.", 0.28),
			},
		},
	}
	engine := NewEngine(db, embedder, index, nil)

	results, err := engine.Search(context.Background(), "tell me about cats", Options{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-cats", results[0].DocumentID)
	assert.Contains(t, results[0].Content, "Cats")

	results, err = engine.Search(context.Background(), "tell me about dogs", Options{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-dogs", results[0].DocumentID)
}

func TestSearchRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	seedProcessedDocument(t, db, "doc-a")

	hits := make([]vectorindex.ScoredPoint, 0, 8)
	for i := 0; i < 8; i++ {
		hits = append(hits, point(fmt.Sprintf("p%d", i), "doc-a", i, fmt.Sprintf("chunk %d", i), 0.9-float64(i)*0.05))
	}
	index := &scriptedIndex{
		keys: map[string][]float32{"any": {0, 0, 1}},
		hits: map[string][]vectorindex.ScoredPoint{"any": hits},
	}
	engine := NewEngine(db, &queryEmbedder{}, index, nil)

	results, err := engine.Search(context.Background(), "query", Options{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchDeterministicTieBreaking(t *testing.T) {
	db := openTestDB(t)
	seedProcessedDocument(t, db, "doc-a")
	seedProcessedDocument(t, db, "doc-b")

	tied := []vectorindex.ScoredPoint{
		point("p3", "doc-b", 2, "third", 0.8),
		point("p2", "doc-a", 1, "second", 0.8),
		point("p1", "doc-a", 0, "first", 0.8),
	}
	index := &scriptedIndex{
		keys: map[string][]float32{"any": {0, 0, 1}},
		hits: map[string][]vectorindex.ScoredPoint{"any": tied},
	}
	engine := NewEngine(db, &queryEmbedder{}, index, nil)

	for run := 0; run < 3; run++ {
		results, err := engine.Search(context.Background(), "query", Options{Limit: 5})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "p1", results[0].ChunkID)
		assert.Equal(t, "p2", results[1].ChunkID)
		assert.Equal(t, "p3", results[2].ChunkID)
	}
}

func TestSearchSkipsPointsWithoutDocumentID(t *testing.T) {
	db := openTestDB(t)
	seedProcessedDocument(t, db, "doc-a")

	orphan := vectorindex.ScoredPoint{ID: "orphan", Score: 0.99, Payload: map[string]interface{}{"content": "no owner"}}
	index := &scriptedIndex{
		keys: map[string][]float32{"any": {0, 0, 1}},
		hits: map[string][]vectorindex.ScoredPoint{"any": {orphan, point("p1", "doc-a", 0, "owned", 0.5)}},
	}
	engine := NewEngine(db, &queryEmbedder{}, index, nil)

	results, err := engine.Search(context.Background(), "query", Options{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].ChunkID)
}

// fakeExpander rewrites queries and reranks by reversing the candidate order.
type fakeExpander struct {
	expandCalls int
	rerankCalls int
}

func (f *fakeExpander) ExpandQueries(_ context.Context, query string, n int) ([]string, error) {
	f.expandCalls++
	variants := make([]string, 0, n)
	for i := 0; i < n; i++ {
		variants = append(variants, fmt.Sprintf("%s variant %d", query, i))
	}
	return variants, nil
}

func (f *fakeExpander) StepBackQuery(_ context.Context, query string) (string, error) {
	return "general topic of " + query, nil
}

func (f *fakeExpander) HypotheticalAnswer(_ context.Context, query string) (string, error) {
	return "a plausible answer to " + query, nil
}

func (f *fakeExpander) RerankDocuments(_ context.Context, _ string, docs []string, topN int) ([]llm.RankedDocument, error) {
	f.rerankCalls++
	ranked := make([]llm.RankedDocument, 0, topN)
	for i := len(docs) - 1; i >= 0 && len(ranked) < topN; i-- {
		ranked = append(ranked, llm.RankedDocument{Index: i, Score: 1.0 - float64(len(ranked))*0.1})
	}
	return ranked, nil
}

func TestSearchExpandedFusesVariantRankings(t *testing.T) {
	db := openTestDB(t)
	seedProcessedDocument(t, db, "doc-a")
	seedProcessedDocument(t, db, "doc-b")

	// Every variant lands on the same hit list; the shared top hit should
	// accumulate the largest fused score.
	hits := []vectorindex.ScoredPoint{
		point("shared", "doc-a", 0, "seen by every variant", 0.9),
		point("rare", "doc-b", 0, "seen too, ranked lower", 0.5),
	}
	index := &scriptedIndex{
		keys: map[string][]float32{"any": {0, 0, 1}},
		hits: map[string][]vectorindex.ScoredPoint{"any": hits},
	}
	expander := &fakeExpander{}
	engine := NewEngine(db, &queryEmbedder{}, index, expander)

	results, err := engine.Search(context.Background(), "query", Options{Limit: 5, UseExpansion: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, expander.expandCalls)
	assert.Equal(t, "shared", results[0].ChunkID)
	assert.Greater(t, results[0].Score, results[1].Score)
	// Fused scores are reciprocal-rank sums, not cosine similarities.
	assert.Less(t, results[0].Score, 1.0)
}

func TestSearchRerankReordersResults(t *testing.T) {
	db := openTestDB(t)
	seedProcessedDocument(t, db, "doc-a")

	hits := []vectorindex.ScoredPoint{
		point("p1", "doc-a", 0, "first by cosine", 0.9),
		point("p2", "doc-a", 1, "second by cosine", 0.8),
	}
	index := &scriptedIndex{
		keys: map[string][]float32{"any": {0, 0, 1}},
		hits: map[string][]vectorindex.ScoredPoint{"any": hits},
	}
	expander := &fakeExpander{}
	engine := NewEngine(db, &queryEmbedder{}, index, expander)

	results, err := engine.Search(context.Background(), "query", Options{Limit: 2, UseRerank: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, expander.rerankCalls)
	// The reversing reranker promotes the second candidate.
	assert.Equal(t, "p2", results[0].ChunkID)
}

func TestDedupeStrings(t *testing.T) {
	out := dedupeStrings([]string{"a", " a ", "b", "", "a"})
	assert.Equal(t, []string{"a", "b"}, out)
}

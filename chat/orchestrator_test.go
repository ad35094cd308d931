package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"docuchat_back/documents"
	"docuchat_back/llm"
	"docuchat_back/retrieval"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := documents.OpenDatabase("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, documents.AutoMigrate(db))
	return db
}

type stubSearcher struct {
	results   []retrieval.Result
	lastQuery string
}

func (s *stubSearcher) Search(_ context.Context, query string, _ retrieval.Options) ([]retrieval.Result, error) {
	s.lastQuery = query
	return s.results, nil
}

type stubGenerator struct {
	reply        string
	lastMessages []llm.ChatMessage
	calls        int
}

func (g *stubGenerator) Chat(_ context.Context, messages []llm.ChatMessage) (string, error) {
	g.calls++
	g.lastMessages = messages
	return g.reply, nil
}

func result(docID, chunkID string, index int, content string, score float64) retrieval.Result {
	return retrieval.Result{
		DocumentID: docID,
		ChunkID:    chunkID,
		ChunkIndex: index,
		Content:    content,
		Filename:   docID + ".txt",
		Score:      score,
	}
}

func TestRespondGroundedAnswerWithCitations(t *testing.T) {
	db := openTestDB(t)
	service := documents.NewService(db, nil, nil)
	searcher := &stubSearcher{results: []retrieval.Result{
		result("doc-1", "c1", 0, "Chunking splits text into overlapping windows.", 0.9),
		result("doc-2", "c2", 3, "Overlap preserves context at boundaries.", 0.7),
	}}
	generator := &stubGenerator{reply: "Chunking splits documents into windows."}
	o := NewOrchestrator(service, searcher, generator)

	answer, err := o.Respond(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: "What is chunking?"},
	}})
	require.NoError(t, err)

	assert.True(t, answer.Grounded)
	assert.Equal(t, generator.reply, answer.Response)
	assert.Equal(t, "What is chunking?", searcher.lastQuery)

	require.Len(t, answer.Citations, 2)
	assert.Equal(t, "doc-1", answer.Citations[0].DocumentID)
	assert.Equal(t, "c2", answer.Citations[1].ChunkID)
	assert.Equal(t, 3, answer.Citations[1].ChunkIndex)

	// The grounding prompt carries both fragments plus their sources.
	require.NotEmpty(t, generator.lastMessages)
	system := generator.lastMessages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "overlapping windows")
	assert.Contains(t, system.Content, "doc-1.txt")
	assert.Contains(t, system.Content, "not prior knowledge")
}

func TestRespondNoResultsSkipsProvider(t *testing.T) {
	db := openTestDB(t)
	service := documents.NewService(db, nil, nil)
	generator := &stubGenerator{reply: "should never be used"}
	o := NewOrchestrator(service, &stubSearcher{}, generator)

	answer, err := o.Respond(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: "Anything indexed about llamas?"},
	}})
	require.NoError(t, err)

	assert.False(t, answer.Grounded)
	assert.Empty(t, answer.Citations)
	assert.NotEmpty(t, answer.Response)
	assert.Zero(t, generator.calls)
}

func TestRespondRequiresUserMessage(t *testing.T) {
	o := NewOrchestrator(nil, &stubSearcher{}, &stubGenerator{})

	_, err := o.Respond(context.Background(), Request{Messages: []Message{
		{Role: "assistant", Content: "hello"},
	}})
	assert.ErrorIs(t, err, ErrNoUserMessage)

	_, err = o.Respond(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoUserMessage)
}

func TestRespondUsesLatestUserMessage(t *testing.T) {
	searcher := &stubSearcher{}
	o := NewOrchestrator(nil, searcher, &stubGenerator{})

	_, err := o.Respond(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "second question", searcher.lastQuery)
}

func TestRespondContextBudgetLimitsCitations(t *testing.T) {
	long := strings.Repeat("filler content for the budget test ", 40)
	searcher := &stubSearcher{results: []retrieval.Result{
		result("doc-1", "c1", 0, long, 0.9),
		result("doc-2", "c2", 0, long, 0.8),
		result("doc-3", "c3", 0, long, 0.7),
	}}
	generator := &stubGenerator{reply: "ok"}
	o := NewOrchestrator(nil, searcher, generator)
	o.contextBudget = documents.EstimateTokenCount(long) + 20

	answer, err := o.Respond(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: "question"},
	}})
	require.NoError(t, err)

	// Only the first fragment fits; later ones are neither inserted nor cited.
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "doc-1", answer.Citations[0].DocumentID)
	assert.NotContains(t, generator.lastMessages[0].Content, "doc-2.txt")
}

func TestRespondWritesQueryLog(t *testing.T) {
	db := openTestDB(t)
	service := documents.NewService(db, nil, nil)
	searcher := &stubSearcher{results: []retrieval.Result{
		result("doc-1", "c1", 0, "content a", 0.9),
		result("doc-1", "c2", 1, "content b", 0.8),
		result("doc-2", "c3", 0, "content c", 0.7),
	}}
	o := NewOrchestrator(service, searcher, &stubGenerator{reply: "answer"})

	_, err := o.Respond(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: "logged question"},
	}})
	require.NoError(t, err)

	var logs []documents.QueryLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "logged question", logs[0].QueryText)
	assert.Equal(t, "answer", logs[0].ResponseText)

	var used []string
	require.NoError(t, json.Unmarshal(logs[0].DocumentsUsed, &used))
	assert.Equal(t, []string{"doc-1", "doc-2"}, used)
}

func TestAssembleContextTagsFragments(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil)
	text, citations := o.assembleContext([]retrieval.Result{
		result("doc-9", "c9", 4, "fragment body", 0.5),
	})
	assert.Contains(t, text, "[Source: doc-9.txt | chunk 4]")
	assert.Contains(t, text, "fragment body")
	require.Len(t, citations, 1)
	assert.Equal(t, "c9", citations[0].ChunkID)
}

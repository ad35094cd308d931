package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *ChatClient {
	return &ChatClient{
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		baseURL:     baseURL,
		apiKey:      "test-key",
		modelID:     "test-model",
		temperature: 0.7,
		maxTokens:   256,
	}
}

func chatServer(t *testing.T, reply string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		if status != http.StatusOK {
			http.Error(w, "provider failure", status)
			return
		}
		resp := chatCompletionResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message chatCompletionMessage `json:"message"`
		}{Message: chatCompletionMessage{Role: "assistant", Content: reply}})
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestExpandQueriesSplitsLines(t *testing.T) {
	server := chatServer(t, "variant one\n\nvariant two\nvariant three\nvariant four", http.StatusOK)
	defer server.Close()

	queries, err := newTestClient(server.URL).ExpandQueries(context.Background(), "original", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"variant one", "variant two", "variant three"}, queries)
}

func TestExpandQueriesFallsBackToOriginal(t *testing.T) {
	server := chatServer(t, "", http.StatusInternalServerError)
	defer server.Close()

	queries, err := newTestClient(server.URL).ExpandQueries(context.Background(), "original", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"original"}, queries)
}

func TestStepBackQueryReturnsEmptyOnFailure(t *testing.T) {
	server := chatServer(t, "", http.StatusBadGateway)
	defer server.Close()

	stepBack, err := newTestClient(server.URL).StepBackQuery(context.Background(), "why do cats purr")
	require.NoError(t, err)
	assert.Empty(t, stepBack)
}

func TestRerankDocumentsParsesScores(t *testing.T) {
	server := chatServer(t, "0.2, 0.9, 0.5", http.StatusOK)
	defer server.Close()

	ranked, err := newTestClient(server.URL).RerankDocuments(context.Background(), "q", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, RankedDocument{Index: 1, Score: 0.9}, ranked[0])
	assert.Equal(t, RankedDocument{Index: 2, Score: 0.5}, ranked[1])
}

func TestRerankDocumentsFallsBackOnGarbage(t *testing.T) {
	server := chatServer(t, "sorry, I cannot rank these", http.StatusOK)
	defer server.Close()

	ranked, err := newTestClient(server.URL).RerankDocuments(context.Background(), "q", []string{"a", "b", "c"}, 3)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	// Fallback preserves order with decaying scores.
	assert.Equal(t, 0, ranked[0].Index)
	assert.Equal(t, 1, ranked[1].Index)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRerankDocumentsEmptyInput(t *testing.T) {
	ranked, err := newTestClient("http://unused").RerankDocuments(context.Background(), "q", nil, 3)
	require.NoError(t, err)
	assert.Nil(t, ranked)
}

func TestParseRerankScores(t *testing.T) {
	ranked := parseRerankScores("[0.1, 0.8, 0.3]", 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, 1, ranked[0].Index)
	assert.Equal(t, 0.8, ranked[0].Score)

	// Extra scores beyond the document count are dropped.
	ranked = parseRerankScores("0.5, 0.4, 0.3, 0.2", 2)
	require.Len(t, ranked, 2)

	assert.Nil(t, parseRerankScores("not numbers", 3))

	// Equal scores keep the original order.
	ranked = parseRerankScores("0.5, 0.5, 0.5", 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, []int{ranked[0].Index, ranked[1].Index, ranked[2].Index}, []int{0, 1, 2})
}

func TestChatErrorsCarryStatus(t *testing.T) {
	server := chatServer(t, "", http.StatusTooManyRequests)
	defer server.Close()

	_, err := newTestClient(server.URL).Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestChatSkipsEmptyMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "real content", req.Messages[0].Content)

		resp := chatCompletionResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message chatCompletionMessage `json:"message"`
		}{Message: chatCompletionMessage{Role: "assistant", Content: "ok"}})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	reply, err := client.Chat(context.Background(), []ChatMessage{
		{Role: "user", Content: "   "},
		{Role: "user", Content: "real content"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	_, err = client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: " "}})
	assert.Error(t, err)
}

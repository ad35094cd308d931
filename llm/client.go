package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"docuchat_back/embedding"
)

const defaultModelID = "gemini-2.5-flash"

// ChatClient wraps an OpenAI-compatible chat completions API used for both
// answer generation and retrieval-side query rewriting.
type ChatClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	modelID     string
	temperature float64
	maxTokens   int
}

// NewChatClientFromEnv constructs a ChatClient using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: required API base URL
//   - LLM_MODEL_ID: optional target model (defaults to defaultModelID)
//   - LLM_TEMPERATURE, LLM_MAX_TOKENS: optional sampling controls
func NewChatClientFromEnv() (*ChatClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("llm: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("llm: LLM_BASE_URL environment variable is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("llm: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	temperature := 0.7
	if raw := strings.TrimSpace(os.Getenv("LLM_TEMPERATURE")); raw != "" {
		if _, err := fmt.Sscanf(raw, "%f", &temperature); err != nil {
			return nil, fmt.Errorf("llm: invalid LLM_TEMPERATURE %q", raw)
		}
	}
	maxTokens := 2048
	if raw := strings.TrimSpace(os.Getenv("LLM_MAX_TOKENS")); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &maxTokens); err != nil {
			return nil, fmt.Errorf("llm: invalid LLM_MAX_TOKENS %q", raw)
		}
	}

	return &ChatClient{
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		baseURL:     baseURL,
		apiKey:      apiKey,
		modelID:     modelID,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

// ChatMessage represents a single turn in a chat conversation payload.
type ChatMessage struct {
	Role    string
	Content string
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatCompletionMessage `json:"messages"`
	Temperature float64                 `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends a single prompt and returns the assistant reply.
func (c *ChatClient) Complete(ctx context.Context, prompt string) (string, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", errors.New("llm: prompt cannot be empty")
	}
	return c.Chat(ctx, []ChatMessage{{Role: "user", Content: trimmed}})
}

// Chat sends the conversational messages and returns the first assistant
// reply. Provider failures carry their HTTP status so the caller can tell
// rate limiting from exhausted quota.
func (c *ChatClient) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	if c == nil {
		return "", errors.New("llm: client is nil")
	}
	if len(messages) == 0 {
		return "", errors.New("llm: messages cannot be empty")
	}

	payload := chatCompletionRequest{
		Model:       c.modelID,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages:    make([]chatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, chatCompletionMessage{Role: role, Content: content})
	}
	if len(payload.Messages) == 0 {
		return "", errors.New("llm: messages contain no content")
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &embedding.ProviderError{
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(snippet)),
			Transient: resp.StatusCode == 429 || resp.StatusCode >= 500,
		}
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("llm: response contains no choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

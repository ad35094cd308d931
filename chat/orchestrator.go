package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/datatypes"

	"docuchat_back/documents"
	"docuchat_back/llm"
	"docuchat_back/retrieval"
)

// Message is one role-tagged turn of the conversation; the most recent user
// message is the question being answered.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Citation points from the answer back to a chunk whose content was placed
// in the generation context. Citations are derived strictly from the
// fragments actually given to the provider, never reconstructed afterwards.
type Citation struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	ChunkIndex int     `json:"chunk_index"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

type Answer struct {
	Response         string     `json:"response"`
	Citations        []Citation `json:"citations"`
	Grounded         bool       `json:"grounded"`
	ProcessingTimeMs int        `json:"processing_time_ms"`
}

type Request struct {
	Messages     []Message `json:"messages"`
	UseExpansion bool      `json:"use_expansion"`
	UseRerank    bool      `json:"use_rerank"`
}

// Searcher is the retrieval engine surface the orchestrator needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, error)
}

// Generator produces the final answer text.
type Generator interface {
	Chat(ctx context.Context, messages []llm.ChatMessage) (string, error)
}

var ErrNoUserMessage = errors.New("chat: conversation contains no user message")

const noContextResponse = "I could not find any relevant passages in the uploaded documents to ground an answer to this question. Please upload related documents or rephrase the question."

// Orchestrator builds a grounded prompt from retrieved chunks and produces
// an answer with citations.
type Orchestrator struct {
	service   *documents.Service
	engine    Searcher
	generator Generator

	topK          int
	contextBudget int
}

// NewOrchestrator reads TOP_K_RESULTS (default 5) and CONTEXT_TOKEN_BUDGET
// (default 3000, in estimated tokens).
func NewOrchestrator(service *documents.Service, engine Searcher, generator Generator) *Orchestrator {
	return &Orchestrator{
		service:       service,
		engine:        engine,
		generator:     generator,
		topK:          envInt("TOP_K_RESULTS", 5),
		contextBudget: envInt("CONTEXT_TOKEN_BUDGET", 3000),
	}
}

// Respond answers the latest user message using retrieved context. When
// retrieval yields nothing the reply still arrives, explicitly flagged as
// ungrounded, instead of letting the model fabricate sources.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (*Answer, error) {
	query := latestUserMessage(req.Messages)
	if query == "" {
		return nil, ErrNoUserMessage
	}

	start := time.Now()

	results, err := o.engine.Search(ctx, query, retrieval.Options{
		Limit:        o.topK,
		UseExpansion: req.UseExpansion,
		UseRerank:    req.UseRerank,
	})
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		answer := &Answer{
			Response:         noContextResponse,
			Citations:        []Citation{},
			Grounded:         false,
			ProcessingTimeMs: int(time.Since(start).Milliseconds()),
		}
		o.logQuery(query, answer)
		return answer, nil
	}

	contextText, citations := o.assembleContext(results)

	messages := make([]llm.ChatMessage, 0, len(req.Messages)+1)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: groundingPrompt(contextText)})
	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: msg.Content})
	}

	response, err := o.generator.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}

	answer := &Answer{
		Response:         response,
		Citations:        citations,
		Grounded:         true,
		ProcessingTimeMs: int(time.Since(start).Milliseconds()),
	}
	o.logQuery(query, answer)
	return answer, nil
}

// assembleContext packs retrieved chunks, in relevance order, into the
// generation context until the token budget runs out. Each inserted
// fragment is tagged with its source so answers can cite it; the citation
// list mirrors exactly what was inserted.
func (o *Orchestrator) assembleContext(results []retrieval.Result) (string, []Citation) {
	var builder strings.Builder
	citations := make([]Citation, 0, len(results))

	used := 0
	for _, result := range results {
		cost := documents.EstimateTokenCount(result.Content) + 16
		if used+cost > o.contextBudget && len(citations) > 0 {
			break
		}
		used += cost

		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		fmt.Fprintf(&builder, "[Source: %s | chunk %d]\n%s", result.Filename, result.ChunkIndex, result.Content)

		citations = append(citations, Citation{
			DocumentID: result.DocumentID,
			ChunkID:    result.ChunkID,
			ChunkIndex: result.ChunkIndex,
			Filename:   result.Filename,
			Content:    result.Content,
			Score:      result.Score,
		})
	}
	return builder.String(), citations
}

func groundingPrompt(contextText string) string {
	return fmt.Sprintf(
		"Context information is below.\n---------------------\n%s\n---------------------\n"+
			"Given the context information and not prior knowledge, answer the user's "+
			"question. When the context does not contain the answer, say so instead of guessing.",
		contextText)
}

func latestUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(strings.TrimSpace(messages[i].Role), "user") {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

// logQuery appends the analytics record; failures are logged, never
// propagated, since the answer has already been produced.
func (o *Orchestrator) logQuery(query string, answer *Answer) {
	if o.service == nil {
		return
	}

	seen := make(map[string]struct{}, len(answer.Citations))
	used := make([]string, 0, len(answer.Citations))
	for _, citation := range answer.Citations {
		if _, exists := seen[citation.DocumentID]; exists {
			continue
		}
		seen[citation.DocumentID] = struct{}{}
		used = append(used, citation.DocumentID)
	}
	raw, err := json.Marshal(used)
	if err != nil {
		raw = []byte("[]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.service.AppendQueryLog(ctx, query, answer.Response, datatypes.JSON(raw), time.Duration(answer.ProcessingTimeMs)*time.Millisecond); err != nil {
		log.Printf("chat: append query log failed: %v", err)
	}
}

package llm

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
)

// The helpers in this file power the optional advanced retrieval modes:
// multi-query expansion, step-back questions, hypothetical answers (HyDE)
// and listwise re-ranking. Each degrades gracefully, because retrieval must
// keep working when the rewriting model misbehaves.

// ExpandQueries generates up to n alternative phrasings of the question.
// On failure it falls back to the original query alone.
func (c *ChatClient) ExpandQueries(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		n = 3
	}
	prompt := fmt.Sprintf(
		"You are an AI language model assistant. Your task is to generate %d "+
			"different versions of the given user question to retrieve relevant "+
			"documents from a vector database. By generating multiple perspectives "+
			"on the user question, your goal is to help the user overcome some of "+
			"the limitations of the distance-based similarity search. Provide "+
			"these alternative questions separated by newlines. "+
			"Original question: %s", n, query)

	response, err := c.Complete(ctx, prompt)
	if err != nil {
		log.Printf("llm: query expansion failed: %v", err)
		return []string{query}, nil
	}

	queries := make([]string, 0, n)
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		queries = append(queries, trimmed)
		if len(queries) == n {
			break
		}
	}
	if len(queries) == 0 {
		return []string{query}, nil
	}
	return queries, nil
}

// StepBackQuery paraphrases the question into a broader, more abstract one.
// Returns "" when generation fails.
func (c *ChatClient) StepBackQuery(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf(
		"You are an expert at world knowledge. Your task is to step back and "+
			"paraphrase a question to a more abstract, easier to answer question.\n\n"+
			"Original Question: %s\nStep Back Question:", query)

	response, err := c.Complete(ctx, prompt)
	if err != nil {
		log.Printf("llm: step-back generation failed: %v", err)
		return "", nil
	}
	return strings.TrimSpace(response), nil
}

// HypotheticalAnswer writes a plausible answer passage used for
// similarity-based retrieval (HyDE). Returns "" when generation fails.
func (c *ChatClient) HypotheticalAnswer(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf(
		"Please write a passage to answer the question. The passage should be "+
			"a plausible answer to the question, even if you don't know the "+
			"specific facts. It will be used to retrieve relevant documents "+
			"based on semantic similarity.\n\nQuestion: %s\nPassage:", query)

	response, err := c.Complete(ctx, prompt)
	if err != nil {
		log.Printf("llm: hypothetical answer generation failed: %v", err)
		return "", nil
	}
	return strings.TrimSpace(response), nil
}

// RankedDocument pairs a candidate's original position with its re-ranked
// relevance score.
type RankedDocument struct {
	Index int
	Score float64
}

// RerankDocuments scores candidates 0.0..1.0 against the query with a
// listwise prompt and returns the top n by score. When the model output
// cannot be parsed the original order is preserved with decaying scores.
func (c *ChatClient) RerankDocuments(ctx context.Context, query string, docs []string, topN int) ([]RankedDocument, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	var docText strings.Builder
	for i, doc := range docs {
		if len(doc) > 1000 {
			doc = doc[:1000] + "..."
		}
		fmt.Fprintf(&docText, "Document %d:\n%s\n\n", i, doc)
	}

	prompt := fmt.Sprintf(
		"You are a relevance ranking assistant.\nQuery: %s\n\n"+
			"Below are %d documents. Rank them by relevance to the query.\n"+
			"Assign a relevance score from 0.0 (irrelevant) to 1.0 (highly relevant) for each document.\n\n"+
			"Return ONLY a list of numbers representing the scores for Document 0, Document 1, etc., "+
			"in order, separated by commas.\nExample: 0.9, 0.1, 0.5\n\nDocuments:\n%s\nScores:",
		query, len(docs), docText.String())

	response, err := c.Complete(ctx, prompt)
	if err != nil {
		log.Printf("llm: rerank failed, keeping original order: %v", err)
		return fallbackRanking(len(docs), topN), nil
	}

	ranked := parseRerankScores(response, len(docs))
	if len(ranked) == 0 {
		log.Printf("llm: unparseable rerank scores %q, keeping original order", response)
		return fallbackRanking(len(docs), topN), nil
	}
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}

func parseRerankScores(response string, docCount int) []RankedDocument {
	parts := strings.Split(strings.TrimSpace(response), ",")
	scores := make([]float64, 0, len(parts))
	for _, part := range parts {
		clean := strings.Trim(strings.TrimSpace(part), "[]")
		if clean == "" {
			continue
		}
		score, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil
		}
		scores = append(scores, score)
	}

	count := len(scores)
	if count > docCount {
		count = docCount
	}
	ranked := make([]RankedDocument, 0, count)
	for i := 0; i < count; i++ {
		ranked = append(ranked, RankedDocument{Index: i, Score: scores[i]})
	}
	// Sort by score descending, stable on the original index.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].Score > ranked[j-1].Score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	return ranked
}

func fallbackRanking(docCount, topN int) []RankedDocument {
	if topN > docCount {
		topN = docCount
	}
	ranked := make([]RankedDocument, 0, topN)
	for i := 0; i < topN; i++ {
		ranked = append(ranked, RankedDocument{Index: i, Score: 1.0 - float64(i)*0.01})
	}
	return ranked
}

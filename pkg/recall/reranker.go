package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/llm"
)

const rerankPrompt = `You rank memory snippets by relevance to a query.
Given the query and a numbered list of snippets, return a JSON array of the
snippet numbers ordered from most to least relevant. Return only the JSON
array, e.g. [2,1,3].`

// LLMReranker reorders recall candidates using a language model. Any model
// failure or malformed response surfaces as an error, which the recall
// filter treats as "keep the lexical order".
type LLMReranker struct {
	provider llm.Provider
}

// NewLLMReranker creates a reranker backed by the given provider.
func NewLLMReranker(provider llm.Provider) *LLMReranker {
	return &LLMReranker{provider: provider}
}

// Rerank asks the model to order the records by relevance to the query.
func (r *LLMReranker) Rerank(ctx context.Context, query string, records []*core.MemoryRecord) ([]*core.MemoryRecord, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nSnippets:\n", query)
	for i, record := range records {
		fmt.Fprintf(&b, "%d. %s\n", i+1, record.Text)
	}

	response, err := r.provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: rerankPrompt},
		{Role: "user", Content: b.String()},
	}, llm.WithTemperature(0.0))
	if err != nil {
		return nil, fmt.Errorf("Rerank: %w", err)
	}

	order, err := parseRerankResponse(response, len(records))
	if err != nil {
		return nil, fmt.Errorf("Rerank: %w", err)
	}

	reordered := make([]*core.MemoryRecord, len(order))
	for i, idx := range order {
		reordered[i] = records[idx]
	}
	return reordered, nil
}

// parseRerankResponse extracts a permutation of [0, n) from the model
// response. The response must contain a JSON array of 1-based snippet
// numbers covering every snippet exactly once.
func parseRerankResponse(response string, n int) ([]int, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var numbers []int
	if err := json.Unmarshal([]byte(response[start:end+1]), &numbers); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}
	if len(numbers) != n {
		return nil, fmt.Errorf("order covers %d of %d snippets", len(numbers), n)
	}

	order := make([]int, n)
	seen := make(map[int]bool, n)
	for i, num := range numbers {
		if num < 1 || num > n || seen[num] {
			return nil, fmt.Errorf("invalid snippet number %d", num)
		}
		seen[num] = true
		order[i] = num - 1
	}
	return order, nil
}

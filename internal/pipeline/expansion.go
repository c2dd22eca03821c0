package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/pkg/anthropic"
)

// expansionPromptTemplate asks the model for a fixed-size set of search
// queries covering the inquiry from several angles.
const expansionPromptTemplate = `You are generating search queries to find social media creators.

Original inquiry: %q

Generate exactly %d distinct search queries:
- 4 broad queries covering the inquiry's general topic
- 2 specific queries close to the exact inquiry wording
- 6 adjacent queries exploring related niches, audiences, or content styles

Rules:
- Each query is a short phrase suitable for keyword and semantic search.
- No numbering, no commentary.
- Return ONLY a JSON array of %d strings.`

// QueryExpander turns one inquiry into a set of diversified search queries
// via the LLM, with a deterministic fallback to the original inquiry.
type QueryExpander struct {
	llm      anthropic.Client
	model    string
	count    int
	attempts int
}

// NewQueryExpander creates a QueryExpander. count is the number of queries
// requested per expansion, attempts the number of generation tries before
// falling back.
func NewQueryExpander(llm anthropic.Client, model string, count, attempts int) *QueryExpander {
	if count <= 0 {
		count = 12
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &QueryExpander{llm: llm, model: model, count: count, attempts: attempts}
}

// Expand generates the query set. All generation failures degrade to a
// single-element set containing the original query; the error return is
// reserved for context cancellation.
func (e *QueryExpander) Expand(ctx context.Context, query string) ([]string, error) {
	prompt := fmt.Sprintf(expansionPromptTemplate, query, e.count, e.count)

	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := e.llm.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     e.model,
			MaxTokens: 1024,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			lastErr = err
			zap.L().Warn("query expansion attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		queries, err := parseExpandedQueries(resp.Text(), e.count)
		if err != nil {
			lastErr = err
			zap.L().Warn("query expansion returned unusable output",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		return queries, nil
	}

	zap.L().Warn("query expansion exhausted attempts, falling back to original query",
		zap.String("query", query),
		zap.Error(lastErr),
	)
	return []string{query}, nil
}

// parseExpandedQueries extracts the JSON array from model output and
// validates that it holds the expected number of unique queries.
func parseExpandedQueries(raw string, want int) ([]string, error) {
	arr := extractJSONArray(raw)
	if arr == "" {
		return nil, eris.New("expansion: no JSON array in output")
	}

	var items []any
	if err := json.Unmarshal([]byte(arr), &items); err != nil {
		return nil, eris.Wrap(err, "expansion: parse JSON array")
	}

	seen := make(map[string]bool, len(items))
	queries := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, s)
	}

	if len(queries) < want {
		return nil, eris.Errorf("expansion: got %d unique queries, want %d", len(queries), want)
	}
	return queries[:want], nil
}

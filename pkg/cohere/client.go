// Package cohere wraps the Cohere v2 SDK for query embeddings and
// cross-encoder reranking.
package cohere

import (
	"context"
	"net/http"
	"time"

	sdk "github.com/cohere-ai/cohere-go/v2"
	sdkclient "github.com/cohere-ai/cohere-go/v2/client"
	"github.com/rotisserie/eris"
)

// Client defines the Cohere operations used by the pipeline.
type Client interface {
	// EmbedQuery returns the embedding vector for a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
	// Rerank scores docs against query and returns (index, score) pairs
	// ordered by relevance, at most topN of them.
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]Ranked, error)
}

// Ranked is a single rerank result pointing back into the input documents.
type Ranked struct {
	Index int
	Score float64
}

// Option configures the client.
type Option func(*apiClient)

// WithEmbedModel overrides the embedding model.
func WithEmbedModel(model string) Option {
	return func(c *apiClient) { c.embedModel = model }
}

// WithRerankModel overrides the rerank model.
func WithRerankModel(model string) Option {
	return func(c *apiClient) { c.rerankModel = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *apiClient) { c.http = hc }
}

type apiClient struct {
	sdk         *sdkclient.Client
	embedModel  string
	rerankModel string
	http        *http.Client
}

// NewClient creates a Cohere client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &apiClient{
		embedModel:  "embed-english-v3.0",
		rerankModel: "rerank-v3.5",
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sdk = sdkclient.NewClient(
		sdkclient.WithToken(apiKey),
		sdkclient.WithHTTPClient(c.http),
	)
	return c
}

func (c *apiClient) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.sdk.V2.Embed(ctx, &sdk.V2EmbedRequest{
		Texts:          []string{text},
		Model:          c.embedModel,
		InputType:      sdk.EmbedInputTypeSearchQuery,
		EmbeddingTypes: []sdk.EmbeddingType{sdk.EmbeddingTypeFloat},
	})
	if err != nil {
		return nil, eris.Wrap(err, "cohere: embed query")
	}
	if resp == nil || resp.Embeddings == nil || len(resp.Embeddings.Float) == 0 {
		return nil, eris.New("cohere: embed returned no float embeddings")
	}
	return resp.Embeddings.Float[0], nil
}

func (c *apiClient) Rerank(ctx context.Context, query string, docs []string, topN int) ([]Ranked, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	req := &sdk.V2RerankRequest{
		Model:     c.rerankModel,
		Query:     query,
		Documents: docs,
	}
	if topN > 0 {
		req.TopN = &topN
	}

	resp, err := c.sdk.V2.Rerank(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "cohere: rerank")
	}

	out := make([]Ranked, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r == nil {
			continue
		}
		out = append(out, Ranked{Index: r.Index, Score: r.RelevanceScore})
	}
	return out, nil
}

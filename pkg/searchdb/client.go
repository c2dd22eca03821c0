// Package searchdb provides a client for the creator vector index, which
// exposes hybrid (BM25 + vector) search over a REST API.
package searchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the creator index operations.
type Client interface {
	// Hybrid runs a hybrid BM25 + vector search and returns raw hit records.
	Hybrid(ctx context.Context, q HybridQuery) ([]map[string]any, error)
}

// HybridQuery describes a single hybrid search.
type HybridQuery struct {
	Collection string    `json:"collection"`
	Query      string    `json:"query"`
	Vector     []float64 `json:"vector,omitempty"`
	// Alpha weighs vector similarity against keyword match: 0 is pure
	// BM25, 1 is pure vector.
	Alpha   float64        `json:"alpha"`
	Limit   int            `json:"limit"`
	Filters *HybridFilters `json:"filters,omitempty"`
}

// HybridFilters narrows hits server side before ranking. Zero bounds and an
// empty platform list mean unfiltered.
type HybridFilters struct {
	MinFollowers int64    `json:"min_followers,omitempty"`
	MaxFollowers int64    `json:"max_followers,omitempty"`
	Platforms    []string `json:"platforms,omitempty"`
}

type hybridResponse struct {
	Hits []map[string]any `json:"hits"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a creator index client.
func NewClient(apiKey, baseURL string, opts ...Option) (Client, error) {
	if baseURL == "" {
		return nil, eris.New("searchdb: base URL is required")
	}
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *httpClient) Hybrid(ctx context.Context, q HybridQuery) ([]map[string]any, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, eris.Wrap(err, "searchdb: marshal query")
	}

	reqURL := fmt.Sprintf("%s/v1/search/hybrid", c.baseURL)
	body, statusCode, err := c.retryDo(ctx, reqURL, payload)
	if err != nil {
		return nil, eris.Wrap(err, "searchdb: hybrid request failed")
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("searchdb: unexpected status %d: %s", statusCode, string(body))
	}

	var result hybridResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "searchdb: unmarshal response")
	}
	return result.Hits, nil
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo POSTs payload with exponential backoff retries on transient
// failures (429, 500, 502, 503).
func (c *httpClient) retryDo(ctx context.Context, url string, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, eris.Wrap(err, "searchdb: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "searchdb: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("searchdb: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

// Package brightdata provides a client for the BrightData dataset API,
// which scrapes social profiles through asynchronous snapshots: trigger a
// collection, poll its progress, then download the rows.
package brightdata

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

// Client defines the snapshot lifecycle operations.
type Client interface {
	// Trigger starts a collection for the given profile URLs and returns
	// the snapshot id.
	Trigger(ctx context.Context, datasetID string, urls []string) (string, error)
	// Progress returns the snapshot status: "running", "ready" or "failed".
	Progress(ctx context.Context, snapshotID string) (string, error)
	// Download fetches the rows of a ready snapshot.
	Download(ctx context.Context, snapshotID string) ([]map[string]any, error)
}

// Snapshot states reported by the progress endpoint.
const (
	StatusRunning = "running"
	StatusReady   = "ready"
	StatusFailed  = "failed"
)

type triggerResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

type progressResponse struct {
	Status string `json:"status"`
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

// NewClient creates a BrightData dataset client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.brightdata.com/datasets/v3",
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Trigger(ctx context.Context, datasetID string, urls []string) (string, error) {
	inputs := make([]map[string]string, len(urls))
	for i, u := range urls {
		inputs[i] = map[string]string{"url": u}
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return "", eris.Wrap(err, "brightdata: marshal trigger inputs")
	}

	reqURL := fmt.Sprintf("%s/trigger?dataset_id=%s&include_errors=true", c.baseURL, datasetID)
	body, statusCode, err := c.retryDo(ctx, http.MethodPost, reqURL, payload)
	if err != nil {
		return "", eris.Wrap(err, "brightdata: trigger request failed")
	}
	if statusCode != http.StatusOK {
		return "", eris.Errorf("brightdata: trigger unexpected status %d: %s", statusCode, string(body))
	}

	var result triggerResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", eris.Wrap(err, "brightdata: unmarshal trigger response")
	}
	if result.SnapshotID == "" {
		return "", eris.New("brightdata: trigger returned no snapshot id")
	}
	return result.SnapshotID, nil
}

func (c *httpClient) Progress(ctx context.Context, snapshotID string) (string, error) {
	reqURL := fmt.Sprintf("%s/progress/%s", c.baseURL, snapshotID)
	body, statusCode, err := c.retryDo(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "brightdata: progress request failed")
	}
	if statusCode != http.StatusOK {
		return "", eris.Errorf("brightdata: progress unexpected status %d: %s", statusCode, string(body))
	}

	var result progressResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", eris.Wrap(err, "brightdata: unmarshal progress response")
	}
	return result.Status, nil
}

func (c *httpClient) Download(ctx context.Context, snapshotID string) ([]map[string]any, error) {
	reqURL := fmt.Sprintf("%s/snapshot/%s?format=json", c.baseURL, snapshotID)
	body, statusCode, err := c.retryDo(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "brightdata: download request failed")
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("brightdata: download unexpected status %d: %s", statusCode, string(body))
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, eris.Wrap(err, "brightdata: unmarshal snapshot rows")
	}
	return rows, nil
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes a request with exponential backoff retries on transient
// failures (429, 500, 502, 503).
func (c *httpClient) retryDo(ctx context.Context, method, url string, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, 0, eris.Wrap(err, "brightdata: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

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
			return nil, resp.StatusCode, eris.Wrap(readErr, "brightdata: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("brightdata: status %d: %s", resp.StatusCode, string(body))
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

package searchdb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybrid_Success(t *testing.T) {
	var captured HybridQuery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search/hybrid", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_, _ = w.Write([]byte(`{"hits":[{"account":"chef.marco","combined_score":0.91},{"account":"glowup","combined_score":0.72}]}`))
	}))
	defer srv.Close()

	c, err := NewClient("test-key", srv.URL)
	require.NoError(t, err)

	hits, err := c.Hybrid(context.Background(), HybridQuery{
		Collection: "creators",
		Query:      "sustainable fashion",
		Vector:     []float64{0.1, 0.2},
		Alpha:      0.5,
		Limit:      500,
		Filters: &HybridFilters{
			MinFollowers: 10000,
			MaxFollowers: 500000,
			Platforms:    []string{"instagram"},
		},
	})
	require.NoError(t, err)

	require.Len(t, hits, 2)
	assert.Equal(t, "chef.marco", hits[0]["account"])
	assert.Equal(t, 0.5, captured.Alpha)
	assert.Equal(t, 500, captured.Limit)
	require.NotNil(t, captured.Filters)
	assert.EqualValues(t, 10000, captured.Filters.MinFollowers)
	assert.EqualValues(t, 500000, captured.Filters.MaxFollowers)
	assert.Equal(t, []string{"instagram"}, captured.Filters.Platforms)
}

func TestHybrid_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"hits":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient("k", srv.URL)
	require.NoError(t, err)

	hits, err := c.Hybrid(context.Background(), HybridQuery{Query: "q", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHybrid_PermanentErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad alpha"}`))
	}))
	defer srv.Close()

	c, err := NewClient("k", srv.URL)
	require.NoError(t, err)

	_, err = c.Hybrid(context.Background(), HybridQuery{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.EqualValues(t, 1, calls.Load())
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient("k", "")
	require.Error(t, err)
}

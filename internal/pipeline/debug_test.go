package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDebugRedactsCredentials(t *testing.T) {
	in := map[string]any{
		"api_key": "sk-secret",
		"nested": map[string]any{
			"Token":  "abc",
			"counts": []any{1, 2, 3},
		},
		"query": "fitness creators",
	}

	out := SanitizeDebug(in)

	assert.Equal(t, "***redacted***", out["api_key"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "***redacted***", nested["Token"])
	assert.Equal(t, "fitness creators", out["query"])

	// Input untouched.
	assert.Equal(t, "sk-secret", in["api_key"])
}

func TestSanitizeDebugTruncatesLongStrings(t *testing.T) {
	long := strings.Repeat("x", maxDebugString+100)
	out := SanitizeDebug(map[string]any{"blob": long})

	got := out["blob"].(string)
	assert.True(t, strings.HasSuffix(got, "…[truncated]"))
	assert.Less(t, len(got), len(long))
}

func TestSanitizeDebugNil(t *testing.T) {
	assert.Nil(t, SanitizeDebug(nil))
}

func TestEstimatePayloadSize(t *testing.T) {
	assert.Equal(t, 0, EstimatePayloadSize(0))
	assert.Equal(t, 1000*profileSizeEstimate, EstimatePayloadSize(1000))
	assert.Greater(t, EstimatePayloadSize(200), payloadWarnBytes)
}

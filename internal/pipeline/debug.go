package pipeline

import "strings"

const (
	// maxDebugString bounds strings carried in debug payloads.
	maxDebugString = 500
	// maxDebugDepth bounds recursion into nested debug values.
	maxDebugDepth = 8
	// profileSizeEstimate approximates the serialized size of one profile.
	profileSizeEstimate = 5000
	// payloadWarnBytes is the document size above which persistence logs a
	// warning.
	payloadWarnBytes = 900 * 1024
)

// redactedKeys are debug map keys whose values must never be persisted.
var redactedKeys = map[string]bool{
	"api_key":       true,
	"token":         true,
	"authorization": true,
	"password":      true,
	"secret":        true,
}

// SanitizeDebug returns a copy of the debug payload with credential-like
// keys redacted and long strings truncated. Safe for persistence and for
// returning to callers.
func SanitizeDebug(debug map[string]any) map[string]any {
	if debug == nil {
		return nil
	}
	out, _ := sanitizeValue(debug, 0).(map[string]any)
	return out
}

func sanitizeValue(v any, depth int) any {
	if depth > maxDebugDepth {
		return "…[depth limit]"
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if redactedKeys[strings.ToLower(k)] {
				out[k] = "***redacted***"
				continue
			}
			out[k] = sanitizeValue(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val, depth+1)
		}
		return out
	case string:
		if len(t) > maxDebugString {
			return t[:maxDebugString] + "…[truncated]"
		}
		return t
	default:
		return v
	}
}

// EstimatePayloadSize approximates the serialized size of a result set.
func EstimatePayloadSize(count int) int {
	return count * profileSizeEstimate
}

package pipeline

import (
	"regexp"
	"strings"
)

// codeFenceRe strips markdown code fences that models sometimes wrap around
// JSON output.
var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// stripCodeFences returns the inner text of the first fenced block, or the
// input unchanged when no fences are present.
func stripCodeFences(s string) string {
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// extractBalanced returns the first balanced span delimited by the open and
// closing bytes, respecting JSON string literals and escapes. Empty when
// none is found.
func extractBalanced(s string, open, closing byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// extractJSONArray pulls the first balanced JSON array out of model output.
func extractJSONArray(s string) string {
	return extractBalanced(stripCodeFences(s), '[', ']')
}

// extractJSONObject pulls the first balanced JSON object out of model output.
func extractJSONObject(s string) string {
	return extractBalanced(stripCodeFences(s), '{', '}')
}

// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedBlock matches a markdown code fence, with or without a language tag.
// \x60 is a backtick; raw strings cannot hold one.
var fencedBlock = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ParseJSONResponse decodes an LLM response into T. Models routinely wrap JSON
// in markdown fences or surround it with prose, so the payload is located first.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload := ExtractJSON(response)
	var out T
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(payload, 500))
	}
	return &out, nil
}

// ExtractJSON returns the most plausible JSON object or array inside s.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if m := fencedBlock.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}

	// Prose around the payload: take the outermost bracket pair that appears first.
	obj, arr := strings.Index(s, "{"), strings.Index(s, "[")
	open, closer := "{", "}"
	if obj == -1 || (arr != -1 && arr < obj) {
		open, closer = "[", "]"
	}
	start, end := strings.Index(s, open), strings.LastIndex(s, closer)
	if start == -1 || end <= start {
		return s
	}
	return s[start : end+1]
}

// Truncate shortens s to at most maxLen bytes, marking the cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

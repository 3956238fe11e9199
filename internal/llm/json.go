package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedOutput is returned when model output holds no usable JSON.
var ErrMalformedOutput = errors.New("malformed model output")

// RawOutputKey holds the unparsed text when ExtractJSON finds no object.
const RawOutputKey = "raw_output"

// ParseJSONResponse parses a JSON response from an LLM, handling markdown code blocks.
func ParseJSONResponse(text string) map[string]any {
	text = stripFences(text)
	if text == "" {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil
	}
	return result
}

// ExtractJSON is the lenient form of ParseJSONResponse: after fence
// stripping it falls back to the span between the first '{' and the last
// '}'. When nothing parses it returns {"raw_output": text}.
func ExtractJSON(text string) map[string]any {
	if m := ParseJSONResponse(text); m != nil {
		return m
	}
	s := stripFences(text)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		var m map[string]any
		if err := json.Unmarshal([]byte(s[start:end+1]), &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{RawOutputKey: text}
}

// IsRaw reports whether m is the fallback produced by ExtractJSON.
func IsRaw(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	_, ok := m[RawOutputKey]
	return ok
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return strings.Trim(text, "`")
	}
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

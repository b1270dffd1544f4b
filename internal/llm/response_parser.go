package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrypster/tiermem/pkg/types"
)

// ExtractJSON extracts the first complete JSON object from text that may
// contain markdown fences or prose around it. Text without a complete object
// is returned trimmed, so the decoder reports the error.
func ExtractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	return text
}

// DecodeJSON extracts and unmarshals a JSON object from generation output.
// Failures wrap types.ErrParse.
func DecodeJSON[T any](text string) (T, error) {
	var out T
	clean := ExtractJSON(text)
	if clean == "" {
		return out, fmt.Errorf("empty generation output: %w", types.ErrParse)
	}
	if err := json.Unmarshal([]byte(clean), &out); err != nil {
		return out, fmt.Errorf("decode generation output: %w: %v", types.ErrParse, err)
	}
	return out, nil
}

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject finds the first balanced {...} span in model output and
// decodes it into dst. Models wrap JSON in prose and code fences; callers
// must tolerate that. Extra keys are discarded by the standard decoder.
func ExtractJSONObject(text string, dst any) error {
	span, err := firstObjectSpan(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(span), dst); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}

func firstObjectSpan(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in model output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object in model output")
}

package genai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeJSON decodes a model reply into v. Markdown code fences and leading
// prose are stripped; malformed JSON is repaired before giving up.
func DecodeJSON(text string, v any) error {
	raw := extractJSONObject(text)
	if raw == "" {
		return fmt.Errorf("no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("failed to repair JSON reply: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("failed to decode repaired JSON reply: %w", err)
	}
	return nil
}

func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		// truncated object; let the repairer close it
		return s[start:]
	}
	return s[start : end+1]
}

package providers

import (
	"encoding/json"
	"strings"
)

// parseStreamingJSON decodes the longest prefix of raw that forms a JSON
// object, tolerating the truncated fragments a model emits while tool-call
// arguments stream. Anything else, including a still-incomplete object,
// yields an empty map.
func parseStreamingJSON(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	var parsed map[string]any
	if err := dec.Decode(&parsed); err != nil || parsed == nil {
		return map[string]any{}
	}
	return parsed
}

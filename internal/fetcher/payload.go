package fetcher

import (
	"bytes"
	"encoding/json"
)

// IsEmptyPayload reports whether out carries no data: blank output, JSON
// null, or an empty object or array. Non-JSON text that is not blank counts
// as data.
func IsEmptyPayload(out []byte) bool {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return true
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

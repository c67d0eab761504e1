package adapters

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeArguments decodes a tool call argument payload into a map.
// Malformed JSON is repaired when possible; anything else yields an empty map.
func DecodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return map[string]any{}
	}
	args = nil
	if err := json.Unmarshal([]byte(repaired), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// decodeArgumentsValue decodes arguments that may be a JSON string or an object.
func decodeArgumentsValue(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return DecodeArguments(s)
	}
	return DecodeArguments(string(raw))
}

// encodeArguments renders decoded arguments back to a compact JSON string.
func encodeArguments(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

package adapters

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractErrorMessage pulls a human-readable message out of a vendor error body.
//
// Shapes seen in the wild:
//
//	{"error": {"message": "...", "type": "..."}}          OpenAI family, Anthropic
//	{"error": {"code": 400, "message": "...", "status": "INVALID_ARGUMENT"}}  Gemini
//	{"error": "model 'x' not found"}                       Ollama
//	{"message": "..."} / {"Message": "..."}                Bedrock, Cohere
//	{"detail": "..."} / {"detail": [{"msg": "..."}]}       vLLM validation errors
//	[{"error": {...}}]                                     Gemini batch wrappers
//
// Falls back to the trimmed body.
func ExtractErrorMessage(p Provider, body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(truncateForError(body))
	}
	v := gjson.ParseBytes(body)

	switch p {
	case ProviderOllama:
		if msg := ollamaErrorMessage(v); msg != "" {
			return msg
		}
	case ProviderGemini:
		if msg := geminiErrorMessage(v); msg != "" {
			return msg
		}
	}

	if msg := findErrorMessage(v, 0); msg != "" {
		return msg
	}
	return strings.TrimSpace(truncateForError(body))
}

func findErrorMessage(v gjson.Result, depth int) string {
	if depth > 4 {
		return ""
	}
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		for _, item := range v.Array() {
			if msg := findErrorMessage(item, depth+1); msg != "" {
				return msg
			}
		}
	case v.IsObject():
		for _, key := range []string{"error", "message", "Message", "detail", "msg", "errorMessage"} {
			if msg := findErrorMessage(v.Get(key), depth+1); msg != "" {
				return msg
			}
		}
	}
	return ""
}

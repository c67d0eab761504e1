package adapters

import "github.com/tidwall/gjson"

// Ollama speaks the OpenAI Chat Completions format on /v1/chat/completions,
// so it shares OpenAIRequestAdapter/OpenAIResponseAdapter. Only its native
// counters and error shape differ:
//
//	{"prompt_eval_count": N, "eval_count": N}
//	{"error": "model 'x' not found"}

// ollamaUsage reads Ollama-native usage counters.
func ollamaUsage(v gjson.Result) Usage {
	in := int(v.Get("prompt_eval_count").Int())
	out := int(v.Get("eval_count").Int())
	if in == 0 && out == 0 {
		return Usage{}
	}
	return newUsage(in, out, 0)
}

// ollamaErrorMessage reads the flat {"error": "..."} shape.
func ollamaErrorMessage(v gjson.Result) string {
	if e := v.Get("error"); e.Type == gjson.String {
		return e.String()
	}
	return ""
}

package adapters

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestAdapter handles Chat Completions requests for the whole
// OpenAI-compatible family (OpenAI, Ollama, vLLM, Cerebras, Mistral, ZhipuAI).
// The family shares one wire shape:
//
//	messages: [ ..., {role:"assistant", tool_calls:[{id, function:{name, arguments}}]},
//	                 {role:"tool", tool_call_id:"...", content:"..."} ]
type OpenAIRequestAdapter struct {
	*requestCore
}

// NewOpenAIRequestAdapter wraps a Chat Completions request for provider p.
func NewOpenAIRequestAdapter(p Provider, body []byte, path string, opts Options) *OpenAIRequestAdapter {
	return &OpenAIRequestAdapter{
		requestCore: newRequestCore(string(p), p, body, path, opts, openAIDialect{}),
	}
}

// =============================================================================
// COMMON FORMAT READS
// =============================================================================

// Messages converts messages[] to common form.
func (a *OpenAIRequestAdapter) Messages() []CommonMessage {
	names := openAIToolNames(a.body)
	var out []CommonMessage
	gjson.GetBytes(a.body, "messages").ForEach(func(_, m gjson.Result) bool {
		msg := CommonMessage{Role: Role(m.Get("role").String())}
		text, _ := contentText(m.Get("content"))
		msg.Content = text
		m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			msg.ToolCalls = append(msg.ToolCalls, CommonToolCall{
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: decodeArgumentsValue(json.RawMessage(tc.Get("function.arguments").Raw)),
			})
			return true
		})
		if msg.Role == RoleTool {
			id := m.Get("tool_call_id").String()
			msg.ToolResults = []CommonToolResult{{
				ID:      id,
				Name:    names.name(id),
				Content: parseToolContent(m.Get("content")),
				Raw:     json.RawMessage(m.Get("content").Raw),
			}}
		}
		out = append(out, msg)
		return true
	})
	return out
}

// Tools returns tools[].function definitions.
func (a *OpenAIRequestAdapter) Tools() []ToolDefinition {
	var tools []ToolDefinition
	gjson.GetBytes(a.body, "tools").ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		tools = append(tools, ToolDefinition{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			Parameters:  json.RawMessage(fn.Get("parameters").Raw),
		})
		return true
	})
	return tools
}

// HasTools reports whether tools are offered.
func (a *OpenAIRequestAdapter) HasTools() bool {
	return len(gjson.GetBytes(a.body, "tools").Array()) > 0
}

func openAIToolNames(body []byte) toolNameIndex {
	idx := make(toolNameIndex)
	gjson.GetBytes(body, `messages.#(role=="assistant")#.tool_calls`).ForEach(func(_, calls gjson.Result) bool {
		calls.ForEach(func(_, tc gjson.Result) bool {
			idx[tc.Get("id").String()] = tc.Get("function.name").String()
			return true
		})
		return true
	})
	return idx
}

// =============================================================================
// DIALECT
// =============================================================================

type openAIDialect struct{}

func (openAIDialect) messagesPath() string { return "messages" }

func (openAIDialect) toolResultSlots(body []byte) []toolResultSlot {
	names := openAIToolNames(body)
	var slots []toolResultSlot
	gjson.GetBytes(body, "messages").ForEach(func(k, m gjson.Result) bool {
		if m.Get("role").String() != string(RoleTool) {
			return true
		}
		i := int(k.Int())
		id := m.Get("tool_call_id").String()
		slots = append(slots, toolResultSlot{
			ID:      id,
			Name:    names.name(id),
			Message: i,
			Path:    "messages." + itoaPath(i) + ".content",
			Content: m.Get("content"),
		})
		return true
	})
	return slots
}

func (openAIDialect) setToolResultText(body []byte, s toolResultSlot, text string) ([]byte, error) {
	return sjson.SetBytes(body, s.Path, text)
}

func (openAIDialect) setToolResultBlocks(body []byte, s toolResultSlot, blocks []any) ([]byte, error) {
	return setJSONValue(body, s.Path, blocks)
}

func (openAIDialect) renderer() blockRenderer { return openAIRenderer{} }

func (openAIDialect) model(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (openAIDialect) isStreaming(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (openAIDialect) setModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (openAIDialect) outboundPath(path, _ string) string { return path }

type openAIRenderer struct{}

func (openAIRenderer) textBlock(text string) any {
	return map[string]any{"type": "text", "text": text}
}

func (openAIRenderer) imageBlock(img universalImage) any {
	return map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": "data:" + img.MimeType + ";base64," + img.Data},
	}
}

// =============================================================================
// RESPONSE
// =============================================================================

// OpenAIResponseAdapter wraps a chat.completion response.
type OpenAIResponseAdapter struct {
	provider Provider
	body     []byte
	v        gjson.Result
}

// NewOpenAIResponseAdapter wraps a completed Chat Completions response.
func NewOpenAIResponseAdapter(p Provider, body []byte) *OpenAIResponseAdapter {
	return &OpenAIResponseAdapter{provider: p, body: body, v: gjson.ParseBytes(body)}
}

func (r *OpenAIResponseAdapter) ID() string               { return r.v.Get("id").String() }
func (r *OpenAIResponseAdapter) Model() string            { return r.v.Get("model").String() }
func (r *OpenAIResponseAdapter) OriginalResponse() []byte { return r.body }

// Text returns the first choice's message content.
func (r *OpenAIResponseAdapter) Text() string {
	text, _ := contentText(r.v.Get("choices.0.message.content"))
	return text
}

// ToolCalls decodes the first choice's tool calls.
func (r *OpenAIResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	r.v.Get("choices.0.message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		calls = append(calls, CommonToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: decodeArgumentsValue(json.RawMessage(tc.Get("function.arguments").Raw)),
		})
		return true
	})
	return calls
}

func (r *OpenAIResponseAdapter) HasToolCalls() bool {
	return len(r.v.Get("choices.0.message.tool_calls").Array()) > 0
}

func (r *OpenAIResponseAdapter) StopReason() string {
	return r.v.Get("choices.0.finish_reason").String()
}

// Usage reads usage{prompt_tokens, completion_tokens}, falling back to
// Ollama's native counters.
func (r *OpenAIResponseAdapter) Usage() Usage {
	return openAIUsage(r.v)
}

// ToRefusalResponse replaces the choices with a single assistant message.
func (r *OpenAIResponseAdapter) ToRefusalResponse(refusalMessage, contentMessage string) ([]byte, error) {
	id := r.ID()
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := r.v.Get("created").Int()
	if created == 0 {
		created = time.Now().Unix()
	}
	message := map[string]any{"role": "assistant", "content": contentMessage}
	if refusalMessage != "" {
		message["refusal"] = refusalMessage
	} else {
		message["refusal"] = nil
	}
	resp := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   r.Model(),
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"logprobs":      nil,
			"finish_reason": "stop",
		}},
	}
	if u := r.v.Get("usage"); u.IsObject() {
		resp["usage"] = json.RawMessage(u.Raw)
	}
	return json.Marshal(resp)
}

func openAIUsage(v gjson.Result) Usage {
	if u := v.Get("usage"); u.IsObject() {
		return newUsage(int(u.Get("prompt_tokens").Int()), int(u.Get("completion_tokens").Int()), int(u.Get("total_tokens").Int()))
	}
	return ollamaUsage(v)
}

var (
	_ RequestAdapter  = (*OpenAIRequestAdapter)(nil)
	_ ResponseAdapter = (*OpenAIResponseAdapter)(nil)
)

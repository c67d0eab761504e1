package adapters

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CohereRequestAdapter handles Cohere v2 chat requests.
// Tool results are role "tool" messages that reference the call by id:
//
//	{"role": "tool", "tool_call_id": "call_1", "content": [{"type": "text", "text": "..."}]}
//
// Cohere cannot take images in tool results; they always become placeholders.
type CohereRequestAdapter struct {
	*requestCore
}

// NewCohereRequestAdapter wraps a /v2/chat request.
func NewCohereRequestAdapter(body []byte, path string, opts Options) *CohereRequestAdapter {
	return &CohereRequestAdapter{
		requestCore: newRequestCore("cohere", ProviderCohere, body, path, opts, cohereDialect{}),
	}
}

// Messages converts messages[] to common form.
func (a *CohereRequestAdapter) Messages() []CommonMessage {
	var out []CommonMessage
	names := cohereToolNames(a.body)
	gjson.GetBytes(a.body, "messages").ForEach(func(_, m gjson.Result) bool {
		msg := CommonMessage{Role: Role(m.Get("role").String())}
		content := m.Get("content")
		if msg.Role == RoleTool {
			id := m.Get("tool_call_id").String()
			msg.ToolResults = append(msg.ToolResults, CommonToolResult{
				ID:      id,
				Name:    names.name(id),
				Content: parseToolContent(content),
				Raw:     json.RawMessage(content.Raw),
			})
		} else {
			msg.Content, _ = contentText(content)
		}
		m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			msg.ToolCalls = append(msg.ToolCalls, CommonToolCall{
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: decodeArgumentsValue(json.RawMessage(tc.Get("function.arguments").Raw)),
			})
			return true
		})
		out = append(out, msg)
		return true
	})
	return out
}

// Tools returns tools[].function definitions.
func (a *CohereRequestAdapter) Tools() []ToolDefinition {
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
func (a *CohereRequestAdapter) HasTools() bool {
	return len(gjson.GetBytes(a.body, "tools").Array()) > 0
}

func cohereToolNames(body []byte) toolNameIndex {
	idx := make(toolNameIndex)
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
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

type cohereDialect struct{}

func (cohereDialect) messagesPath() string { return "messages" }

func (cohereDialect) toolResultSlots(body []byte) []toolResultSlot {
	names := cohereToolNames(body)
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

func (cohereDialect) setToolResultText(body []byte, s toolResultSlot, text string) ([]byte, error) {
	return sjson.SetBytes(body, s.Path, text)
}

func (cohereDialect) setToolResultBlocks(body []byte, s toolResultSlot, blocks []any) ([]byte, error) {
	return setJSONValue(body, s.Path, blocks)
}

func (cohereDialect) renderer() blockRenderer { return cohereRenderer{} }

func (cohereDialect) model(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (cohereDialect) isStreaming(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (cohereDialect) setModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (cohereDialect) outboundPath(path, _ string) string { return path }

type cohereRenderer struct{}

func (cohereRenderer) textBlock(text string) any {
	return map[string]any{"type": "text", "text": text}
}

func (cohereRenderer) imageBlock(universalImage) any { return nil }

// =============================================================================
// RESPONSE
// =============================================================================

// CohereResponseAdapter wraps a v2 chat response.
type CohereResponseAdapter struct {
	body []byte
	v    gjson.Result
}

// NewCohereResponseAdapter wraps a completed v2 chat response.
func NewCohereResponseAdapter(body []byte) *CohereResponseAdapter {
	return &CohereResponseAdapter{body: body, v: gjson.ParseBytes(body)}
}

func (r *CohereResponseAdapter) ID() string               { return r.v.Get("id").String() }
func (r *CohereResponseAdapter) Model() string            { return "" }
func (r *CohereResponseAdapter) StopReason() string       { return r.v.Get("finish_reason").String() }
func (r *CohereResponseAdapter) OriginalResponse() []byte { return r.body }

// Text concatenates message.content text blocks.
func (r *CohereResponseAdapter) Text() string {
	var b strings.Builder
	r.v.Get(`message.content.#(type=="text")#.text`).ForEach(func(_, t gjson.Result) bool {
		b.WriteString(t.String())
		return true
	})
	return b.String()
}

// ToolCalls decodes message.tool_calls.
func (r *CohereResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	r.v.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		calls = append(calls, CommonToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: decodeArgumentsValue(json.RawMessage(tc.Get("function.arguments").Raw)),
		})
		return true
	})
	return calls
}

func (r *CohereResponseAdapter) HasToolCalls() bool {
	return len(r.v.Get("message.tool_calls").Array()) > 0
}

// Usage prefers usage.tokens and falls back to usage.billed_units.
func (r *CohereResponseAdapter) Usage() Usage {
	return cohereUsage(r.v.Get("usage"))
}

// ToRefusalResponse builds a text-only message with finish_reason COMPLETE.
func (r *CohereResponseAdapter) ToRefusalResponse(_, contentMessage string) ([]byte, error) {
	id := r.ID()
	if id == "" {
		id = uuid.NewString()
	}
	resp := map[string]any{
		"id":            id,
		"finish_reason": "COMPLETE",
		"message": map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "text", "text": contentMessage}},
		},
	}
	if u := r.v.Get("usage"); u.IsObject() {
		resp["usage"] = json.RawMessage(u.Raw)
	}
	return json.Marshal(resp)
}

func cohereUsage(u gjson.Result) Usage {
	src := u.Get("tokens")
	if !src.IsObject() {
		src = u.Get("billed_units")
	}
	return newUsage(int(src.Get("input_tokens").Int()), int(src.Get("output_tokens").Int()), 0)
}

func cohereUsageJSON(u *Usage) map[string]any {
	counts := map[string]any{"input_tokens": u.InputTokens, "output_tokens": u.OutputTokens}
	return map[string]any{"billed_units": counts, "tokens": counts}
}

var (
	_ RequestAdapter  = (*CohereRequestAdapter)(nil)
	_ ResponseAdapter = (*CohereResponseAdapter)(nil)
)

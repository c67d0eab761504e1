package adapters

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AnthropicRequestAdapter handles Anthropic Messages API requests.
// Tool results are content blocks inside user messages:
//
//	{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "toolu_1", "content": "...", "is_error": false}]}
type AnthropicRequestAdapter struct {
	*requestCore
}

// NewAnthropicRequestAdapter wraps a Messages API request.
func NewAnthropicRequestAdapter(body []byte, path string, opts Options) *AnthropicRequestAdapter {
	return &AnthropicRequestAdapter{
		requestCore: newRequestCore("anthropic", ProviderAnthropic, body, path, opts, anthropicDialect{}),
	}
}

// =============================================================================
// COMMON FORMAT READS
// =============================================================================

// Messages converts the system prompt and messages[] to common form.
func (a *AnthropicRequestAdapter) Messages() []CommonMessage {
	var out []CommonMessage
	if sys := gjson.GetBytes(a.body, "system"); sys.Exists() {
		text, _ := contentText(sys)
		out = append(out, CommonMessage{Role: RoleSystem, Content: text})
	}

	names := anthropicToolNames(a.body)
	gjson.GetBytes(a.body, "messages").ForEach(func(_, m gjson.Result) bool {
		msg := CommonMessage{Role: Role(m.Get("role").String())}
		content := m.Get("content")
		if content.Type == gjson.String {
			msg.Content = content.String()
			out = append(out, msg)
			return true
		}
		var text strings.Builder
		content.ForEach(func(_, b gjson.Result) bool {
			switch b.Get("type").String() {
			case "text":
				text.WriteString(b.Get("text").String())
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, CommonToolCall{
					ID:        b.Get("id").String(),
					Name:      b.Get("name").String(),
					Arguments: decodeArgumentsValue(json.RawMessage(b.Get("input").Raw)),
				})
			case "tool_result":
				id := b.Get("tool_use_id").String()
				r := CommonToolResult{
					ID:      id,
					Name:    names.name(id),
					Content: parseToolContent(b.Get("content")),
					Raw:     json.RawMessage(b.Get("content").Raw),
					IsError: b.Get("is_error").Bool(),
				}
				if r.IsError {
					r.Error, _ = contentText(b.Get("content"))
				}
				msg.ToolResults = append(msg.ToolResults, r)
			}
			return true
		})
		msg.Content = text.String()
		out = append(out, msg)
		return true
	})
	return out
}

// Tools returns tools[] definitions.
func (a *AnthropicRequestAdapter) Tools() []ToolDefinition {
	var tools []ToolDefinition
	gjson.GetBytes(a.body, "tools").ForEach(func(_, t gjson.Result) bool {
		tools = append(tools, ToolDefinition{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			Parameters:  json.RawMessage(t.Get("input_schema").Raw),
		})
		return true
	})
	return tools
}

// HasTools reports whether tools are offered.
func (a *AnthropicRequestAdapter) HasTools() bool {
	return len(gjson.GetBytes(a.body, "tools").Array()) > 0
}

func anthropicToolNames(body []byte) toolNameIndex {
	idx := make(toolNameIndex)
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		m.Get("content").ForEach(func(_, b gjson.Result) bool {
			if b.Get("type").String() == "tool_use" {
				idx[b.Get("id").String()] = b.Get("name").String()
			}
			return true
		})
		return true
	})
	return idx
}

// =============================================================================
// DIALECT
// =============================================================================

type anthropicDialect struct{}

func (anthropicDialect) messagesPath() string { return "messages" }

func (anthropicDialect) toolResultSlots(body []byte) []toolResultSlot {
	names := anthropicToolNames(body)
	var slots []toolResultSlot
	gjson.GetBytes(body, "messages").ForEach(func(mk, m gjson.Result) bool {
		i := int(mk.Int())
		m.Get("content").ForEach(func(bk, b gjson.Result) bool {
			if b.Get("type").String() != "tool_result" {
				return true
			}
			id := b.Get("tool_use_id").String()
			slots = append(slots, toolResultSlot{
				ID:      id,
				Name:    names.name(id),
				Message: i,
				Path:    "messages." + itoaPath(i) + ".content." + itoaPath(int(bk.Int())) + ".content",
				Content: b.Get("content"),
				IsError: b.Get("is_error").Bool(),
			})
			return true
		})
		return true
	})
	return slots
}

func (anthropicDialect) setToolResultText(body []byte, s toolResultSlot, text string) ([]byte, error) {
	return sjson.SetBytes(body, s.Path, text)
}

func (anthropicDialect) setToolResultBlocks(body []byte, s toolResultSlot, blocks []any) ([]byte, error) {
	return setJSONValue(body, s.Path, blocks)
}

func (anthropicDialect) renderer() blockRenderer { return anthropicRenderer{} }

func (anthropicDialect) model(body []byte, _ string) string {
	return gjson.GetBytes(body, "model").String()
}

func (anthropicDialect) isStreaming(body []byte, _ string) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func (anthropicDialect) setModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

func (anthropicDialect) outboundPath(path, _ string) string { return path }

type anthropicRenderer struct{}

func (anthropicRenderer) textBlock(text string) any {
	return map[string]any{"type": "text", "text": text}
}

func (anthropicRenderer) imageBlock(img universalImage) any {
	return map[string]any{
		"type": "image",
		"source": map[string]any{
			"type":       "base64",
			"media_type": img.MimeType,
			"data":       img.Data,
		},
	}
}

// =============================================================================
// RESPONSE
// =============================================================================

// AnthropicResponseAdapter wraps a Messages API response.
type AnthropicResponseAdapter struct {
	body []byte
	v    gjson.Result
}

// NewAnthropicResponseAdapter wraps a completed Messages API response.
func NewAnthropicResponseAdapter(body []byte) *AnthropicResponseAdapter {
	return &AnthropicResponseAdapter{body: body, v: gjson.ParseBytes(body)}
}

func (r *AnthropicResponseAdapter) ID() string               { return r.v.Get("id").String() }
func (r *AnthropicResponseAdapter) Model() string            { return r.v.Get("model").String() }
func (r *AnthropicResponseAdapter) StopReason() string       { return r.v.Get("stop_reason").String() }
func (r *AnthropicResponseAdapter) OriginalResponse() []byte { return r.body }

// Text concatenates all text blocks.
func (r *AnthropicResponseAdapter) Text() string {
	var b strings.Builder
	r.v.Get(`content.#(type=="text")#.text`).ForEach(func(_, t gjson.Result) bool {
		b.WriteString(t.String())
		return true
	})
	return b.String()
}

// ToolCalls decodes tool_use blocks.
func (r *AnthropicResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	r.v.Get(`content.#(type=="tool_use")#`).ForEach(func(_, b gjson.Result) bool {
		calls = append(calls, CommonToolCall{
			ID:        b.Get("id").String(),
			Name:      b.Get("name").String(),
			Arguments: decodeArgumentsValue(json.RawMessage(b.Get("input").Raw)),
		})
		return true
	})
	return calls
}

func (r *AnthropicResponseAdapter) HasToolCalls() bool {
	return len(r.v.Get(`content.#(type=="tool_use")#`).Array()) > 0
}

// Usage reads usage{input_tokens, output_tokens}.
func (r *AnthropicResponseAdapter) Usage() Usage {
	return anthropicUsage(r.v.Get("usage"))
}

// ToRefusalResponse builds a message with a single text block and end_turn.
func (r *AnthropicResponseAdapter) ToRefusalResponse(_, contentMessage string) ([]byte, error) {
	id := r.ID()
	if id == "" {
		id = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	resp := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         r.Model(),
		"content":       []any{map[string]any{"type": "text", "text": contentMessage}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
	}
	if u := r.v.Get("usage"); u.IsObject() {
		resp["usage"] = json.RawMessage(u.Raw)
	}
	return json.Marshal(resp)
}

func anthropicUsage(u gjson.Result) Usage {
	in := int(u.Get("input_tokens").Int() + u.Get("cache_creation_input_tokens").Int() + u.Get("cache_read_input_tokens").Int())
	return newUsage(in, int(u.Get("output_tokens").Int()), 0)
}

var (
	_ RequestAdapter  = (*AnthropicRequestAdapter)(nil)
	_ ResponseAdapter = (*AnthropicResponseAdapter)(nil)
)

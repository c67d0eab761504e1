package adapters

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// BedrockRequestAdapter handles AWS Bedrock Converse API requests.
//
// Key differences from direct Anthropic:
//   - Authentication: AWS SigV4 instead of x-api-key (handled by the registry's HTTP client)
//   - URL pattern: /model/{modelId}/converse or /model/{modelId}/converse-stream
//   - Content blocks are keyed by kind: {"text"}, {"toolUse"}, {"toolResult"}, {"image"}
//   - Model ID format: "anthropic.claude-3-5-sonnet-20241022-v2:0", never in the body
type BedrockRequestAdapter struct {
	*requestCore
}

// NewBedrockRequestAdapter wraps a Converse request.
func NewBedrockRequestAdapter(body []byte, path string, opts Options) *BedrockRequestAdapter {
	return &BedrockRequestAdapter{
		requestCore: newRequestCore("bedrock", ProviderBedrock, body, path, opts, bedrockDialect{}),
	}
}

// =============================================================================
// COMMON FORMAT READS
// =============================================================================

// Messages converts system[] and messages[] to common form.
func (a *BedrockRequestAdapter) Messages() []CommonMessage {
	var out []CommonMessage
	if sys := gjson.GetBytes(a.body, "system.#.text"); len(sys.Array()) > 0 {
		var parts []string
		for _, t := range sys.Array() {
			parts = append(parts, t.String())
		}
		out = append(out, CommonMessage{Role: RoleSystem, Content: strings.Join(parts, "\n")})
	}

	names := bedrockToolNames(a.body)
	gjson.GetBytes(a.body, "messages").ForEach(func(_, m gjson.Result) bool {
		msg := CommonMessage{Role: Role(m.Get("role").String())}
		var text strings.Builder
		m.Get("content").ForEach(func(_, b gjson.Result) bool {
			switch {
			case b.Get("text").Exists():
				text.WriteString(b.Get("text").String())
			case b.Get("toolUse").Exists():
				tu := b.Get("toolUse")
				msg.ToolCalls = append(msg.ToolCalls, CommonToolCall{
					ID:        tu.Get("toolUseId").String(),
					Name:      tu.Get("name").String(),
					Arguments: decodeArgumentsValue(json.RawMessage(tu.Get("input").Raw)),
				})
			case b.Get("toolResult").Exists():
				tr := b.Get("toolResult")
				id := tr.Get("toolUseId").String()
				r := CommonToolResult{
					ID:      id,
					Name:    names.name(id),
					Content: parseToolContent(tr.Get("content")),
					Raw:     json.RawMessage(tr.Get("content").Raw),
					IsError: tr.Get("status").String() == "error",
				}
				if r.IsError {
					r.Error, _ = contentText(tr.Get("content"))
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

// Tools returns toolConfig.tools[].toolSpec definitions.
func (a *BedrockRequestAdapter) Tools() []ToolDefinition {
	var tools []ToolDefinition
	gjson.GetBytes(a.body, "toolConfig.tools.#.toolSpec").ForEach(func(_, t gjson.Result) bool {
		tools = append(tools, ToolDefinition{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			Parameters:  json.RawMessage(t.Get("inputSchema.json").Raw),
		})
		return true
	})
	return tools
}

// HasTools reports whether a toolConfig with tools is present.
func (a *BedrockRequestAdapter) HasTools() bool {
	return len(gjson.GetBytes(a.body, "toolConfig.tools").Array()) > 0
}

func bedrockToolNames(body []byte) toolNameIndex {
	idx := make(toolNameIndex)
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		m.Get("content").ForEach(func(_, b gjson.Result) bool {
			if tu := b.Get("toolUse"); tu.Exists() {
				idx[tu.Get("toolUseId").String()] = tu.Get("name").String()
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

type bedrockDialect struct{}

func (bedrockDialect) messagesPath() string { return "messages" }

func (bedrockDialect) toolResultSlots(body []byte) []toolResultSlot {
	names := bedrockToolNames(body)
	var slots []toolResultSlot
	gjson.GetBytes(body, "messages").ForEach(func(mk, m gjson.Result) bool {
		i := int(mk.Int())
		m.Get("content").ForEach(func(bk, b gjson.Result) bool {
			tr := b.Get("toolResult")
			if !tr.Exists() {
				return true
			}
			id := tr.Get("toolUseId").String()
			slots = append(slots, toolResultSlot{
				ID:      id,
				Name:    names.name(id),
				Message: i,
				Path:    "messages." + itoaPath(i) + ".content." + itoaPath(int(bk.Int())) + ".toolResult.content",
				Content: tr.Get("content"),
				IsError: tr.Get("status").String() == "error",
			})
			return true
		})
		return true
	})
	return slots
}

// setToolResultText replaces the content list with a single text block.
func (bedrockDialect) setToolResultText(body []byte, s toolResultSlot, text string) ([]byte, error) {
	return setJSONValue(body, s.Path, []any{map[string]any{"text": text}})
}

func (bedrockDialect) setToolResultBlocks(body []byte, s toolResultSlot, blocks []any) ([]byte, error) {
	return setJSONValue(body, s.Path, blocks)
}

func (bedrockDialect) renderer() blockRenderer { return bedrockRenderer{} }

func (bedrockDialect) model(_ []byte, path string) string {
	return ExtractModelFromPath(path)
}

func (bedrockDialect) isStreaming(_ []byte, path string) bool {
	return strings.HasSuffix(strings.SplitN(path, "?", 2)[0], "/converse-stream")
}

// setModel leaves the body alone: Converse carries the model only in the path.
func (bedrockDialect) setModel(body []byte, _ string) ([]byte, error) {
	return body, nil
}

func (bedrockDialect) outboundPath(path, model string) string {
	const prefix = "/model/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return path
	}
	rest := path[idx+len(prefix):]
	tail := ""
	if slash := strings.Index(rest, "/"); slash != -1 {
		tail = rest[slash:]
	}
	return path[:idx+len(prefix)] + url.PathEscape(model) + tail
}

// ExtractModelFromPath extracts the model ID from a Bedrock URL path.
// Path format: /model/{modelId}/converse or /model/{modelId}/converse-stream
// Example: /model/anthropic.claude-3-5-sonnet-20241022-v2%3A0/converse
func ExtractModelFromPath(path string) string {
	const prefix = "/model/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return ""
	}

	rest := path[idx+len(prefix):]
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		rest = rest[:slashIdx]
	}
	if m, err := url.PathUnescape(rest); err == nil {
		return m
	}
	return rest
}

type bedrockRenderer struct{}

func (bedrockRenderer) textBlock(text string) any {
	return map[string]any{"text": text}
}

func (bedrockRenderer) imageBlock(img universalImage) any {
	return map[string]any{"image": map[string]any{
		"format": imageFormat(img.MimeType),
		"source": map[string]any{"bytes": img.Data},
	}}
}

// =============================================================================
// RESPONSE
// =============================================================================

// BedrockResponseAdapter wraps a Converse response.
type BedrockResponseAdapter struct {
	body []byte
	v    gjson.Result
}

// NewBedrockResponseAdapter wraps a completed Converse response.
func NewBedrockResponseAdapter(body []byte) *BedrockResponseAdapter {
	return &BedrockResponseAdapter{body: body, v: gjson.ParseBytes(body)}
}

// ID is empty: Converse responses carry no id in the body.
func (r *BedrockResponseAdapter) ID() string               { return "" }
func (r *BedrockResponseAdapter) Model() string            { return "" }
func (r *BedrockResponseAdapter) StopReason() string       { return r.v.Get("stopReason").String() }
func (r *BedrockResponseAdapter) OriginalResponse() []byte { return r.body }

// Text concatenates output.message text blocks.
func (r *BedrockResponseAdapter) Text() string {
	var b strings.Builder
	r.v.Get("output.message.content.#.text").ForEach(func(_, t gjson.Result) bool {
		b.WriteString(t.String())
		return true
	})
	return b.String()
}

// ToolCalls decodes toolUse blocks.
func (r *BedrockResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	r.v.Get("output.message.content.#.toolUse").ForEach(func(_, tu gjson.Result) bool {
		calls = append(calls, CommonToolCall{
			ID:        tu.Get("toolUseId").String(),
			Name:      tu.Get("name").String(),
			Arguments: decodeArgumentsValue(json.RawMessage(tu.Get("input").Raw)),
		})
		return true
	})
	return calls
}

func (r *BedrockResponseAdapter) HasToolCalls() bool {
	return len(r.v.Get("output.message.content.#.toolUse").Array()) > 0
}

// Usage reads usage{inputTokens, outputTokens, totalTokens}.
func (r *BedrockResponseAdapter) Usage() Usage {
	return bedrockUsage(r.v.Get("usage"))
}

// ToRefusalResponse builds a text-only output message with stopReason end_turn.
func (r *BedrockResponseAdapter) ToRefusalResponse(_, contentMessage string) ([]byte, error) {
	resp := map[string]any{
		"output": map[string]any{"message": map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"text": contentMessage}},
		}},
		"stopReason": "end_turn",
	}
	if u := r.v.Get("usage"); u.IsObject() {
		resp["usage"] = json.RawMessage(u.Raw)
	}
	if m := r.v.Get("metrics"); m.IsObject() {
		resp["metrics"] = json.RawMessage(m.Raw)
	}
	return json.Marshal(resp)
}

func bedrockUsage(u gjson.Result) Usage {
	return newUsage(int(u.Get("inputTokens").Int()), int(u.Get("outputTokens").Int()), int(u.Get("totalTokens").Int()))
}

func bedrockUsageJSON(u *Usage) map[string]any {
	return map[string]any{
		"inputTokens":  u.InputTokens,
		"outputTokens": u.OutputTokens,
		"totalTokens":  u.TotalTokens,
	}
}

var (
	_ RequestAdapter  = (*BedrockRequestAdapter)(nil)
	_ ResponseAdapter = (*BedrockResponseAdapter)(nil)
)

package adapters

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GeminiRequestAdapter handles Google Gemini generateContent requests.
// Gemini uses contents[]/parts[] with functionCall/functionResponse objects,
// distinct from both OpenAI and Anthropic formats.
//
// Key format differences:
//   - Tool calls: parts[].functionCall with id?/name/args
//   - Tool responses: parts[].functionResponse with id?/name/response (object, not string)
//   - Usage: usageMetadata.promptTokenCount/candidatesTokenCount/totalTokenCount
//   - Model: in URL path (/models/{model}:generateContent), not request body
type GeminiRequestAdapter struct {
	*requestCore
}

// NewGeminiRequestAdapter wraps a generateContent or streamGenerateContent request.
func NewGeminiRequestAdapter(body []byte, path string, opts Options) *GeminiRequestAdapter {
	return &GeminiRequestAdapter{
		requestCore: newRequestCore("gemini", ProviderGemini, body, path, opts, geminiDialect{}),
	}
}

// Path returns the outbound path. Streaming requests always ask for SSE framing.
func (a *GeminiRequestAdapter) Path() string {
	p := a.requestCore.Path()
	if !a.IsStreaming() || strings.Contains(p, "alt=sse") {
		return p
	}
	if strings.Contains(p, "?") {
		return p + "&alt=sse"
	}
	return p + "?alt=sse"
}

// =============================================================================
// COMMON FORMAT READS
// =============================================================================

// Messages converts systemInstruction and contents[] to common form.
func (a *GeminiRequestAdapter) Messages() []CommonMessage {
	var out []CommonMessage
	if sys := gjson.GetBytes(a.body, "systemInstruction.parts.#.text"); len(sys.Array()) > 0 {
		var parts []string
		for _, t := range sys.Array() {
			parts = append(parts, t.String())
		}
		out = append(out, CommonMessage{Role: RoleSystem, Content: strings.Join(parts, "\n")})
	}

	gjson.GetBytes(a.body, "contents").ForEach(func(_, c gjson.Result) bool {
		role := RoleUser
		if c.Get("role").String() == "model" {
			role = RoleAssistant
		}
		msg := CommonMessage{Role: role}
		var text strings.Builder
		calls, results := geminiCallIDs{}, geminiCallIDs{}
		c.Get("parts").ForEach(func(_, p gjson.Result) bool {
			switch {
			case p.Get("text").Exists():
				text.WriteString(p.Get("text").String())
			case p.Get("functionCall").Exists():
				fc := p.Get("functionCall")
				msg.ToolCalls = append(msg.ToolCalls, CommonToolCall{
					ID:        calls.id(fc),
					Name:      fc.Get("name").String(),
					Arguments: decodeArgumentsValue(json.RawMessage(fc.Get("args").Raw)),
				})
			case p.Get("functionResponse").Exists():
				fr := p.Get("functionResponse")
				content := geminiResponseContent(fr.Get("response"))
				msg.ToolResults = append(msg.ToolResults, CommonToolResult{
					ID:      results.id(fr),
					Name:    fr.Get("name").String(),
					Content: parseToolContent(content),
					Raw:     json.RawMessage(fr.Get("response").Raw),
				})
			}
			return true
		})
		msg.Content = text.String()
		out = append(out, msg)
		return true
	})
	return out
}

// Tools flattens tools[].functionDeclarations[].
func (a *GeminiRequestAdapter) Tools() []ToolDefinition {
	var tools []ToolDefinition
	gjson.GetBytes(a.body, "tools").ForEach(func(_, t gjson.Result) bool {
		t.Get("functionDeclarations").ForEach(func(_, f gjson.Result) bool {
			tools = append(tools, ToolDefinition{
				Name:        f.Get("name").String(),
				Description: f.Get("description").String(),
				Parameters:  json.RawMessage(f.Get("parameters").Raw),
			})
			return true
		})
		return true
	})
	return tools
}

// HasTools reports whether any function declarations are offered.
func (a *GeminiRequestAdapter) HasTools() bool {
	return len(a.Tools()) > 0
}

// geminiCallIDs names the calls of one content entry. Gemini may omit call
// ids, so an id-less call is named after its function; the n-th id-less
// repeat of a name in the same entry becomes "name_n". functionResponses are
// numbered the same way in order, which pairs them with parallel calls.
type geminiCallIDs map[string]int

func (seen geminiCallIDs) id(v gjson.Result) string {
	if id := v.Get("id").String(); id != "" {
		return id
	}
	name := v.Get("name").String()
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	return name + "_" + strconv.Itoa(n)
}

// minted reports whether id was generated by seen rather than sent by Gemini.
func (seen geminiCallIDs) minted(name, id string) bool {
	if id == name {
		return true
	}
	for n := 1; n < seen[name]; n++ {
		if id == name+"_"+strconv.Itoa(n) {
			return true
		}
	}
	return false
}

// geminiResponseContent unwraps {"content": X} to X.
func geminiResponseContent(resp gjson.Result) gjson.Result {
	if resp.IsObject() && len(resp.Map()) == 1 {
		for _, k := range []string{"content", "output", "result"} {
			if c := resp.Get(k); c.Exists() {
				return c
			}
		}
	}
	return resp
}

// =============================================================================
// DIALECT
// =============================================================================

type geminiDialect struct{}

func (geminiDialect) messagesPath() string { return "contents" }

func (geminiDialect) toolResultSlots(body []byte) []toolResultSlot {
	var slots []toolResultSlot
	gjson.GetBytes(body, "contents").ForEach(func(ck, c gjson.Result) bool {
		i := int(ck.Int())
		ids := geminiCallIDs{}
		c.Get("parts").ForEach(func(pk, p gjson.Result) bool {
			fr := p.Get("functionResponse")
			if !fr.Exists() {
				return true
			}
			slots = append(slots, toolResultSlot{
				ID:      ids.id(fr),
				Name:    fr.Get("name").String(),
				Message: i,
				Path:    "contents." + itoaPath(i) + ".parts." + itoaPath(int(pk.Int())) + ".functionResponse.response",
				Content: geminiResponseContent(fr.Get("response")),
			})
			return true
		})
		return true
	})
	return slots
}

func (geminiDialect) setToolResultText(body []byte, s toolResultSlot, text string) ([]byte, error) {
	return setJSONValue(body, s.Path, map[string]any{"content": text})
}

// setToolResultBlocks keeps text in the functionResponse and appends images
// as inlineData parts at the end of the same content entry, so the indices of
// earlier slots stay valid.
func (d geminiDialect) setToolResultBlocks(body []byte, s toolResultSlot, blocks []any) ([]byte, error) {
	var texts []string
	var images []any
	for _, b := range blocks {
		switch v := b.(type) {
		case geminiTextPart:
			texts = append(texts, string(v))
		case geminiImagePart:
			images = append(images, map[string]any{"inlineData": map[string]any{
				"mimeType": v.MimeType,
				"data":     v.Data,
			}})
		case json.RawMessage:
			if t, ok := contentText(gjson.ParseBytes(append(append([]byte("["), v...), ']'))); ok {
				texts = append(texts, t)
			} else {
				texts = append(texts, string(v))
			}
		}
	}
	body, err := d.setToolResultText(body, s, strings.Join(texts, "\n"))
	if err != nil {
		return nil, err
	}
	partsPath := "contents." + itoaPath(s.Message) + ".parts.-1"
	for _, img := range images {
		if body, err = setJSONValue(body, partsPath, img); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (geminiDialect) renderer() blockRenderer { return geminiRenderer{} }

func (geminiDialect) model(body []byte, path string) string {
	if m := ExtractGeminiModelFromPath(path); m != "" {
		return m
	}
	return strings.TrimPrefix(gjson.GetBytes(body, "model").String(), "models/")
}

func (geminiDialect) isStreaming(_ []byte, path string) bool {
	return strings.Contains(path, ":streamGenerateContent")
}

// setModel only touches the body when the client sent a model field there.
func (geminiDialect) setModel(body []byte, model string) ([]byte, error) {
	if !gjson.GetBytes(body, "model").Exists() {
		return body, nil
	}
	return sjson.SetBytes(body, "model", "models/"+model)
}

func (geminiDialect) outboundPath(path, model string) string {
	const prefix = "/models/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return path
	}
	rest := path[idx+len(prefix):]
	end := strings.IndexAny(rest, ":/?")
	if end == -1 {
		end = len(rest)
	}
	return path[:idx+len(prefix)] + url.PathEscape(model) + rest[end:]
}

// ExtractGeminiModelFromPath extracts the model from /v1beta/models/{model}:generateContent.
func ExtractGeminiModelFromPath(path string) string {
	const prefix = "/models/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return ""
	}
	rest := path[idx+len(prefix):]
	if end := strings.IndexAny(rest, ":/?"); end != -1 {
		rest = rest[:end]
	}
	if m, err := url.PathUnescape(rest); err == nil {
		return m
	}
	return rest
}

type (
	geminiTextPart  string
	geminiImagePart universalImage
)

type geminiRenderer struct{}

func (geminiRenderer) textBlock(text string) any         { return geminiTextPart(text) }
func (geminiRenderer) imageBlock(img universalImage) any { return geminiImagePart(img) }

// =============================================================================
// RESPONSE
// =============================================================================

// GeminiResponseAdapter wraps a generateContent response.
type GeminiResponseAdapter struct {
	body []byte
	v    gjson.Result
}

// NewGeminiResponseAdapter wraps a completed generateContent response.
func NewGeminiResponseAdapter(body []byte) *GeminiResponseAdapter {
	return &GeminiResponseAdapter{body: body, v: gjson.ParseBytes(body)}
}

func (r *GeminiResponseAdapter) ID() string               { return r.v.Get("responseId").String() }
func (r *GeminiResponseAdapter) Model() string            { return r.v.Get("modelVersion").String() }
func (r *GeminiResponseAdapter) StopReason() string       { return r.v.Get("candidates.0.finishReason").String() }
func (r *GeminiResponseAdapter) OriginalResponse() []byte { return r.body }

// Text concatenates the first candidate's text parts.
func (r *GeminiResponseAdapter) Text() string {
	var b strings.Builder
	r.v.Get("candidates.0.content.parts.#.text").ForEach(func(_, t gjson.Result) bool {
		b.WriteString(t.String())
		return true
	})
	return b.String()
}

// ToolCalls decodes functionCall parts of the first candidate.
func (r *GeminiResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	ids := geminiCallIDs{}
	r.v.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		if fc := p.Get("functionCall"); fc.Exists() {
			calls = append(calls, CommonToolCall{
				ID:        ids.id(fc),
				Name:      fc.Get("name").String(),
				Arguments: decodeArgumentsValue(json.RawMessage(fc.Get("args").Raw)),
			})
		}
		return true
	})
	return calls
}

func (r *GeminiResponseAdapter) HasToolCalls() bool { return len(r.ToolCalls()) > 0 }

// Usage reads usageMetadata.
func (r *GeminiResponseAdapter) Usage() Usage {
	return geminiUsage(r.v.Get("usageMetadata"))
}

// ToRefusalResponse builds a single-candidate text response with finishReason STOP.
func (r *GeminiResponseAdapter) ToRefusalResponse(_, contentMessage string) ([]byte, error) {
	resp := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": contentMessage}},
			},
			"finishReason": "STOP",
			"index":        0,
		}},
	}
	if u := r.v.Get("usageMetadata"); u.IsObject() {
		resp["usageMetadata"] = json.RawMessage(u.Raw)
	}
	if m := r.Model(); m != "" {
		resp["modelVersion"] = m
	}
	if id := r.ID(); id != "" {
		resp["responseId"] = id
	}
	return json.Marshal(resp)
}

func geminiUsage(u gjson.Result) Usage {
	return newUsage(
		int(u.Get("promptTokenCount").Int()),
		int(u.Get("candidatesTokenCount").Int()),
		int(u.Get("totalTokenCount").Int()),
	)
}

func geminiUsageJSON(u *Usage) map[string]any {
	return map[string]any{
		"promptTokenCount":     u.InputTokens,
		"candidatesTokenCount": u.OutputTokens,
		"totalTokenCount":      u.TotalTokens,
	}
}

func geminiErrorMessage(v gjson.Result) string {
	e := v.Get("error")
	if !e.IsObject() {
		return ""
	}
	if status := e.Get("status").String(); status != "" {
		return fmt.Sprintf("%s: %s", status, e.Get("message").String())
	}
	return e.Get("message").String()
}

var (
	_ RequestAdapter  = (*GeminiRequestAdapter)(nil)
	_ ResponseAdapter = (*GeminiResponseAdapter)(nil)
)

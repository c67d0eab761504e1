package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// OpenAIStreamAdapter reconstructs chat.completion.chunk streams.
//
// Text chunks are forwarded verbatim. Tool-call chunks, finish-only chunks
// and the trailing usage chunk are held; FormatEndSSE re-emits the finish and
// usage chunks followed by "data: [DONE]".
type OpenAIStreamAdapter struct {
	provider Provider
	state    *StreamState
	created  int64
}

// NewOpenAIStreamAdapter starts a stream for provider p and the requested model.
func NewOpenAIStreamAdapter(p Provider, model string) *OpenAIStreamAdapter {
	return &OpenAIStreamAdapter{provider: p, state: newStreamState(model)}
}

// State returns the accumulator.
func (a *OpenAIStreamAdapter) State() *StreamState { return a.state }

// MarkRefused reports a normal stop after withheld tool calls were blocked.
func (a *OpenAIStreamAdapter) MarkRefused() { a.state.refused = true }

// ProcessChunk advances the state machine by one SSE data payload.
func (a *OpenAIStreamAdapter) ProcessChunk(chunk Chunk) ChunkResult {
	data := bytes.TrimSpace(chunk.Data)
	if len(data) == 0 {
		return ChunkResult{}
	}
	st := a.state
	st.touch()

	if string(data) == "[DONE]" {
		return ChunkResult{IsFinal: true}
	}
	if !gjson.ValidBytes(data) {
		return ChunkResult{Err: fmt.Errorf("invalid %s stream chunk: %s", a.provider, truncateForError(data))}
	}

	v := gjson.ParseBytes(data)
	if v.Get("error").Exists() {
		return ChunkResult{
			SSEData: sseFrame("", data),
			Err:     fmt.Errorf("%s stream error: %s", a.provider, ExtractErrorMessage(a.provider, data)),
		}
	}

	if id := v.Get("id").String(); id != "" && st.ResponseID == "" {
		st.ResponseID = id
	}
	if m := v.Get("model").String(); m != "" {
		st.Model = m
	}
	if a.created == 0 {
		a.created = v.Get("created").Int()
	}

	usageSeen := false
	if u := v.Get("usage"); u.IsObject() {
		st.Usage = usagePtr(openAIUsage(v))
		usageSeen = true
	}

	choices := v.Get("choices").Array()
	if len(choices) == 0 {
		return ChunkResult{IsFinal: usageSeen}
	}

	choice := choices[0]
	delta := choice.Get("delta")
	res := ChunkResult{IsFinal: usageSeen}

	if calls := delta.Get("tool_calls").Array(); len(calls) > 0 {
		for _, tc := range calls {
			slot := st.slot(int(tc.Get("index").Int()))
			if id := tc.Get("id").String(); id != "" {
				slot.ID = id
			}
			if name := tc.Get("function.name").String(); name != "" && slot.Name == "" {
				slot.Name = name
			}
			slot.Arguments += tc.Get("function.arguments").String()
		}
		st.retain(sseFrame("", data))
		res.IsToolCallChunk = true
	}

	finish := choice.Get("finish_reason")
	if finish.Type == gjson.String {
		st.setStopReason(finish.String())
	}

	text := delta.Get("content").String()
	switch {
	case text != "" && res.IsToolCallChunk:
		st.Text += text
		res.SSEData = a.FormatTextDeltaSSE(text)
	case text != "":
		st.Text += text
		if finish.Type == gjson.String {
			// Finish is re-emitted by FormatEndSSE.
			res.SSEData = a.FormatTextDeltaSSE(text)
		} else {
			res.SSEData = sseFrame("", data)
		}
	case !res.IsToolCallChunk && finish.Type != gjson.String && !usageSeen:
		// Role-only opener or other control chunk without content.
		res.SSEData = sseFrame("", data)
	}
	return res
}

func (a *OpenAIStreamAdapter) chunk(delta map[string]any, finish any) map[string]any {
	created := a.created
	if created == 0 {
		created = a.state.StartTime.Unix()
	}
	return map[string]any{
		"id":      a.state.ResponseID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   a.state.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"logprobs":      nil,
			"finish_reason": finish,
		}},
	}
}

// FormatTextDeltaSSE renders one content delta chunk.
func (a *OpenAIStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	return sseJSON("", a.chunk(map[string]any{"content": text}, nil))
}

// FormatCompleteTextSSE renders a whole assistant message as one chunk.
func (a *OpenAIStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	return sseJSON("", a.chunk(map[string]any{"role": "assistant", "content": text}, nil))
}

// FormatEndSSE renders the held finish and usage chunks and the [DONE] marker.
func (a *OpenAIStreamAdapter) FormatEndSSE() []byte {
	var b bytes.Buffer
	if reason := a.stopReason(); reason != "" {
		b.Write(sseJSON("", a.chunk(map[string]any{}, reason)))
	}
	if a.state.Usage != nil {
		u := a.state.Usage
		usageChunk := a.chunk(nil, nil)
		usageChunk["choices"] = []any{}
		usageChunk["usage"] = map[string]any{
			"prompt_tokens":     u.InputTokens,
			"completion_tokens": u.OutputTokens,
			"total_tokens":      u.TotalTokens,
		}
		b.Write(sseJSON("", usageChunk))
	}
	b.WriteString("data: [DONE]\n\n")
	return b.Bytes()
}

func (a *OpenAIStreamAdapter) stopReason() string {
	if a.state.refused {
		return "stop"
	}
	if a.state.StopReason != nil {
		return *a.state.StopReason
	}
	return ""
}

// RawToolCallEvents returns held tool-call frames in arrival order.
func (a *OpenAIStreamAdapter) RawToolCallEvents() [][]byte { return a.state.RawToolCallEvents }

// SSEHeaders returns the streaming transport headers.
func (a *OpenAIStreamAdapter) SSEHeaders() map[string]string { return defaultSSEHeaders() }

// ToProviderResponse rebuilds a chat.completion object from the state.
func (a *OpenAIStreamAdapter) ToProviderResponse() ([]byte, error) {
	st := a.state
	message := map[string]any{"role": "assistant", "content": nil, "refusal": nil}
	if st.Text != "" {
		message["content"] = st.Text
	}
	if len(st.ToolCalls) > 0 {
		calls := make([]any, 0, len(st.ToolCalls))
		for _, tc := range st.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": encodeArguments(tc.Arguments),
				},
			})
		}
		message["tool_calls"] = calls
	}
	finish := a.stopReason()
	if finish == "" {
		finish = "stop"
		if len(st.ToolCalls) > 0 {
			finish = "tool_calls"
		}
	}
	created := a.created
	if created == 0 {
		created = time.Now().Unix()
	}
	resp := map[string]any{
		"id":      st.ResponseID,
		"object":  "chat.completion",
		"created": created,
		"model":   st.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"logprobs":      nil,
			"finish_reason": finish,
		}},
	}
	if st.Usage != nil {
		resp["usage"] = map[string]any{
			"prompt_tokens":     st.Usage.InputTokens,
			"completion_tokens": st.Usage.OutputTokens,
			"total_tokens":      st.Usage.TotalTokens,
		}
	}
	return json.Marshal(resp)
}

var _ StreamAdapter = (*OpenAIStreamAdapter)(nil)

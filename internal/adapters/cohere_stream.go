package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// CohereStreamAdapter reconstructs v2 chat streams.
//
// content-* and tool-plan-delta events are forwarded; tool-call-* events are
// held; message-end is held and rebuilt by FormatEndSSE.
type CohereStreamAdapter struct {
	state     *StreamState
	textIndex int
	maxIndex  int
}

// NewCohereStreamAdapter starts a stream for the requested model.
func NewCohereStreamAdapter(model string) *CohereStreamAdapter {
	return &CohereStreamAdapter{state: newStreamState(model), textIndex: -1, maxIndex: -1}
}

func (a *CohereStreamAdapter) State() *StreamState { return a.state }
func (a *CohereStreamAdapter) MarkRefused()        { a.state.refused = true }

// ProcessChunk advances the state machine by one SSE event.
func (a *CohereStreamAdapter) ProcessChunk(chunk Chunk) ChunkResult {
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
		return ChunkResult{Err: fmt.Errorf("invalid cohere stream event: %s", truncateForError(data))}
	}
	v := gjson.ParseBytes(data)
	typ := v.Get("type").String()
	event := chunk.Event
	if event == "" {
		event = typ
	}
	frame := sseFrame(event, data)
	index := int(v.Get("index").Int())

	switch typ {
	case "message-start":
		if id := v.Get("id").String(); id != "" {
			st.ResponseID = id
		}
		return ChunkResult{SSEData: frame}

	case "content-start":
		a.textIndex = index
		if index > a.maxIndex {
			a.maxIndex = index
		}
		st.Text += v.Get("delta.message.content.text").String()
		return ChunkResult{SSEData: frame}

	case "content-delta":
		st.Text += v.Get("delta.message.content.text").String()
		return ChunkResult{SSEData: frame}

	case "tool-call-start":
		tc := v.Get("delta.message.tool_calls")
		slot := st.slot(index)
		slot.ID = tc.Get("id").String()
		slot.Name = tc.Get("function.name").String()
		slot.Arguments += tc.Get("function.arguments").String()
		st.retain(frame)
		return ChunkResult{IsToolCallChunk: true}

	case "tool-call-delta":
		st.slot(index).Arguments += v.Get("delta.message.tool_calls.function.arguments").String()
		st.retain(frame)
		return ChunkResult{IsToolCallChunk: true}

	case "tool-call-end":
		st.retain(frame)
		return ChunkResult{IsToolCallChunk: true}

	case "message-end":
		delta := v.Get("delta")
		st.setStopReason(delta.Get("finish_reason").String())
		if u := delta.Get("usage"); u.IsObject() {
			st.Usage = usagePtr(cohereUsage(u))
		}
		return ChunkResult{IsFinal: true}
	}

	if v.Get("message").Exists() && typ == "" {
		return ChunkResult{
			SSEData: frame,
			Err:     fmt.Errorf("cohere stream error: %s", ExtractErrorMessage(ProviderCohere, data)),
		}
	}
	return ChunkResult{SSEData: frame}
}

// FormatTextDeltaSSE renders a content-delta on the open text block.
func (a *CohereStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	if a.textIndex < 0 {
		return a.FormatCompleteTextSSE(text)
	}
	return a.contentEvent("content-delta", a.textIndex, text)
}

func (a *CohereStreamAdapter) contentEvent(typ string, index int, text string) []byte {
	ev := map[string]any{"type": typ, "index": index}
	switch typ {
	case "content-start":
		ev["delta"] = map[string]any{"message": map[string]any{"content": map[string]any{"type": "text", "text": ""}}}
	case "content-delta":
		ev["delta"] = map[string]any{"message": map[string]any{"content": map[string]any{"text": text}}}
	}
	return sseJSON(typ, ev)
}

// FormatCompleteTextSSE renders a whole content block at the next free index.
func (a *CohereStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	a.maxIndex++
	idx := a.maxIndex
	var b bytes.Buffer
	b.Write(a.contentEvent("content-start", idx, ""))
	b.Write(a.contentEvent("content-delta", idx, text))
	b.Write(a.contentEvent("content-end", idx, ""))
	return b.Bytes()
}

// FormatEndSSE rebuilds message-end.
func (a *CohereStreamAdapter) FormatEndSSE() []byte {
	delta := map[string]any{"finish_reason": a.stopReason()}
	if a.state.Usage != nil {
		delta["usage"] = cohereUsageJSON(a.state.Usage)
	}
	return sseJSON("message-end", map[string]any{"type": "message-end", "delta": delta})
}

func (a *CohereStreamAdapter) stopReason() string {
	if a.state.refused {
		return "COMPLETE"
	}
	if a.state.StopReason != nil {
		return *a.state.StopReason
	}
	if len(a.state.ToolCalls) > 0 {
		return "TOOL_CALL"
	}
	return "COMPLETE"
}

func (a *CohereStreamAdapter) RawToolCallEvents() [][]byte    { return a.state.RawToolCallEvents }
func (a *CohereStreamAdapter) SSEHeaders() map[string]string { return defaultSSEHeaders() }

// ToProviderResponse rebuilds a v2 chat response from the state.
func (a *CohereStreamAdapter) ToProviderResponse() ([]byte, error) {
	st := a.state
	message := map[string]any{"role": "assistant"}
	if st.Text != "" {
		message["content"] = []any{map[string]any{"type": "text", "text": st.Text}}
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
	resp := map[string]any{
		"id":            st.ResponseID,
		"finish_reason": a.stopReason(),
		"message":       message,
	}
	if st.Usage != nil {
		resp["usage"] = cohereUsageJSON(st.Usage)
	}
	return json.Marshal(resp)
}

var _ StreamAdapter = (*CohereStreamAdapter)(nil)

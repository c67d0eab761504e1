package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// AnthropicStreamAdapter reconstructs Messages API event streams.
//
// Text blocks are forwarded as they arrive. tool_use blocks (start, input
// deltas, stop) are held. message_delta and message_stop are held too and
// rebuilt by FormatEndSSE, so replacement text can be emitted before them.
// Block indices are renumbered as the client sees them (see blockIndexer).
type AnthropicStreamAdapter struct {
	state       *StreamState
	blocks      blockIndexer
	held        []heldBlockEvent
	replay      [][]byte
	textIndex   int
	inputTokens int
}

// NewAnthropicStreamAdapter starts a stream for the requested model.
func NewAnthropicStreamAdapter(model string) *AnthropicStreamAdapter {
	return &AnthropicStreamAdapter{state: newStreamState(model), blocks: newBlockIndexer(), textIndex: -1}
}

func (a *AnthropicStreamAdapter) State() *StreamState { return a.state }
func (a *AnthropicStreamAdapter) MarkRefused()        { a.state.refused = true }

// ProcessChunk advances the state machine by one SSE event.
func (a *AnthropicStreamAdapter) ProcessChunk(chunk Chunk) ChunkResult {
	data := bytes.TrimSpace(chunk.Data)
	if len(data) == 0 {
		return ChunkResult{}
	}
	st := a.state
	st.touch()

	if !gjson.ValidBytes(data) {
		return ChunkResult{Err: fmt.Errorf("invalid anthropic stream event: %s", truncateForError(data))}
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
	case "message_start":
		msg := v.Get("message")
		if id := msg.Get("id").String(); id != "" {
			st.ResponseID = id
		}
		if m := msg.Get("model").String(); m != "" {
			st.Model = m
		}
		u := anthropicUsage(msg.Get("usage"))
		a.inputTokens = u.InputTokens
		return ChunkResult{SSEData: frame}

	case "content_block_start":
		block := v.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			slot := st.slot(index)
			slot.ID = block.Get("id").String()
			slot.Name = block.Get("name").String()
			a.hold(event, index, data, frame)
			return ChunkResult{IsToolCallChunk: true}
		}
		ci := a.blocks.open(index)
		if block.Get("type").String() == "text" {
			a.textIndex = ci
			st.Text += block.Get("text").String()
		}
		return ChunkResult{SSEData: a.forward(event, data, index)}

	case "content_block_delta":
		delta := v.Get("delta")
		if st.hasSlot(index) {
			if delta.Get("type").String() == "input_json_delta" {
				st.slot(index).Arguments += delta.Get("partial_json").String()
			}
			a.hold(event, index, data, frame)
			return ChunkResult{IsToolCallChunk: true}
		}
		if delta.Get("type").String() == "text_delta" {
			st.Text += delta.Get("text").String()
		}
		return ChunkResult{SSEData: a.forward(event, data, index)}

	case "content_block_stop":
		if st.hasSlot(index) {
			a.hold(event, index, data, frame)
			return ChunkResult{IsToolCallChunk: true}
		}
		return ChunkResult{SSEData: a.forward(event, data, index)}

	case "message_delta":
		st.setStopReason(v.Get("delta.stop_reason").String())
		u := v.Get("usage")
		in := a.inputTokens
		if n := u.Get("input_tokens").Int(); n > 0 {
			in = int(n)
		}
		st.Usage = usagePtr(newUsage(in, int(u.Get("output_tokens").Int()), 0))
		return ChunkResult{IsFinal: true}

	case "message_stop":
		return ChunkResult{IsFinal: true}

	case "error":
		return ChunkResult{
			SSEData: frame,
			Err:     fmt.Errorf("anthropic stream error: %s", ExtractErrorMessage(ProviderAnthropic, data)),
		}
	}
	// ping and unknown events pass through.
	return ChunkResult{SSEData: frame}
}

// forward renders a passed-through block event under its client index.
func (a *AnthropicStreamAdapter) forward(event string, data []byte, index int) []byte {
	ci, ok := a.blocks.lookup(index)
	if !ok {
		ci = index
	}
	return sseFrame(event, reindex(data, "index", index, ci))
}

func (a *AnthropicStreamAdapter) hold(event string, index int, data, frame []byte) {
	a.state.retain(frame)
	a.held = append(a.held, heldBlockEvent{event: event, index: index, data: append([]byte(nil), data...)})
}

// FormatTextDeltaSSE appends text to the open text block, or opens a new one.
func (a *AnthropicStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	if a.textIndex < 0 {
		return a.FormatCompleteTextSSE(text)
	}
	return sseJSON("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": a.textIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

// FormatCompleteTextSSE emits a full text block at the next client index.
func (a *AnthropicStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	idx := a.blocks.alloc()
	var b bytes.Buffer
	b.Write(sseJSON("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": map[string]any{"type": "text", "text": ""},
	}))
	b.Write(sseJSON("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}))
	b.Write(sseJSON("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	}))
	return b.Bytes()
}

// FormatEndSSE rebuilds message_delta and message_stop.
func (a *AnthropicStreamAdapter) FormatEndSSE() []byte {
	var b bytes.Buffer
	out := 0
	if a.state.Usage != nil {
		out = a.state.Usage.OutputTokens
	}
	b.Write(sseJSON("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": a.stopReason(), "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": out},
	}))
	b.Write(sseJSON("message_stop", map[string]any{"type": "message_stop"}))
	return b.Bytes()
}

func (a *AnthropicStreamAdapter) stopReason() string {
	if a.state.refused {
		return "end_turn"
	}
	if a.state.StopReason != nil {
		return *a.state.StopReason
	}
	if len(a.state.ToolCalls) > 0 {
		return "tool_use"
	}
	return "end_turn"
}

// RawToolCallEvents returns the held tool_use events, renumbered to follow
// the blocks already forwarded.
func (a *AnthropicStreamAdapter) RawToolCallEvents() [][]byte {
	if a.replay != nil || len(a.held) == 0 {
		return a.replay
	}
	a.replay = make([][]byte, 0, len(a.held))
	for _, h := range a.held {
		ci := a.blocks.open(h.index)
		a.replay = append(a.replay, sseFrame(h.event, reindex(h.data, "index", h.index, ci)))
	}
	return a.replay
}

func (a *AnthropicStreamAdapter) SSEHeaders() map[string]string { return defaultSSEHeaders() }

// ToProviderResponse rebuilds a Messages API response from the state.
func (a *AnthropicStreamAdapter) ToProviderResponse() ([]byte, error) {
	st := a.state
	content := make([]any, 0, len(st.ToolCalls)+1)
	if st.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": st.Text})
	}
	for _, tc := range st.ToolCalls {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": DecodeArguments(tc.Arguments),
		})
	}
	resp := map[string]any{
		"id":            st.ResponseID,
		"type":          "message",
		"role":          "assistant",
		"model":         st.Model,
		"content":       content,
		"stop_reason":   a.stopReason(),
		"stop_sequence": nil,
	}
	if st.Usage != nil {
		resp["usage"] = map[string]any{
			"input_tokens":  st.Usage.InputTokens,
			"output_tokens": st.Usage.OutputTokens,
		}
	}
	return json.Marshal(resp)
}

var _ StreamAdapter = (*AnthropicStreamAdapter)(nil)

package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
)

// BedrockEventStreamContentType is the content type of ConverseStream responses.
const BedrockEventStreamContentType = "application/vnd.amazon.eventstream"

// BedrockStreamAdapter reconstructs ConverseStream responses.
//
// Input chunks are decoded event-stream messages (Event is ":event-type").
// Output is re-encoded as event-stream binary frames. Text deltas are
// forwarded; toolUse blocks are held; messageStop and metadata are held and
// rebuilt by FormatEndSSE. The stream is final on metadata. Block indices
// are renumbered as the client sees them (see blockIndexer).
type BedrockStreamAdapter struct {
	state     *StreamState
	blocks    blockIndexer
	held      []heldBlockEvent
	replay    [][]byte
	textIndex int
	latencyMs int64
}

// NewBedrockStreamAdapter starts a stream for the requested model.
func NewBedrockStreamAdapter(model string) *BedrockStreamAdapter {
	return &BedrockStreamAdapter{state: newStreamState(model), blocks: newBlockIndexer(), textIndex: -1}
}

func (a *BedrockStreamAdapter) State() *StreamState { return a.state }
func (a *BedrockStreamAdapter) MarkRefused()        { a.state.refused = true }

// ProcessChunk advances the state machine by one decoded event.
func (a *BedrockStreamAdapter) ProcessChunk(chunk Chunk) ChunkResult {
	data := bytes.TrimSpace(chunk.Data)
	st := a.state
	st.touch()

	if strings.HasSuffix(chunk.Event, "Exception") {
		return ChunkResult{
			SSEData: encodeBedrockException(chunk.Event, data),
			Err:     fmt.Errorf("bedrock stream %s: %s", chunk.Event, ExtractErrorMessage(ProviderBedrock, data)),
		}
	}
	if len(data) == 0 {
		return ChunkResult{}
	}
	if !gjson.ValidBytes(data) {
		return ChunkResult{Err: fmt.Errorf("invalid bedrock stream event %s: %s", chunk.Event, truncateForError(data))}
	}
	v := gjson.ParseBytes(data)
	frame := encodeBedrockEvent(chunk.Event, data)
	index := int(v.Get("contentBlockIndex").Int())

	switch chunk.Event {
	case "contentBlockStart":
		if tu := v.Get("start.toolUse"); tu.Exists() {
			slot := st.slot(index)
			slot.ID = tu.Get("toolUseId").String()
			slot.Name = tu.Get("name").String()
			a.hold(chunk.Event, index, data, frame)
			return ChunkResult{IsToolCallChunk: true}
		}
		return ChunkResult{SSEData: a.forward(chunk.Event, data, index)}

	case "contentBlockDelta":
		if st.hasSlot(index) {
			st.slot(index).Arguments += v.Get("delta.toolUse.input").String()
			a.hold(chunk.Event, index, data, frame)
			return ChunkResult{IsToolCallChunk: true}
		}
		out := a.forward(chunk.Event, data, index)
		if t := v.Get("delta.text"); t.Exists() {
			a.textIndex, _ = a.blocks.lookup(index)
			st.Text += t.String()
		}
		return ChunkResult{SSEData: out}

	case "contentBlockStop":
		if st.hasSlot(index) {
			a.hold(chunk.Event, index, data, frame)
			return ChunkResult{IsToolCallChunk: true}
		}
		return ChunkResult{SSEData: a.forward(chunk.Event, data, index)}

	case "messageStop":
		st.setStopReason(v.Get("stopReason").String())
		return ChunkResult{}

	case "metadata":
		st.Usage = usagePtr(bedrockUsage(v.Get("usage")))
		a.latencyMs = v.Get("metrics.latencyMs").Int()
		return ChunkResult{IsFinal: true}
	}
	// messageStart and unknown events pass through.
	return ChunkResult{SSEData: frame}
}

// forward re-encodes a passed-through block event under its client index.
// Text blocks have no start event, so the first forwarded event opens them.
func (a *BedrockStreamAdapter) forward(eventType string, data []byte, index int) []byte {
	ci := a.blocks.open(index)
	return encodeBedrockEvent(eventType, reindex(data, "contentBlockIndex", index, ci))
}

func (a *BedrockStreamAdapter) hold(eventType string, index int, data, frame []byte) {
	a.state.retain(frame)
	a.held = append(a.held, heldBlockEvent{event: eventType, index: index, data: append([]byte(nil), data...)})
}

func (a *BedrockStreamAdapter) event(eventType string, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return encodeBedrockEvent(eventType, data)
}

// FormatTextDeltaSSE renders a text delta on the current text block.
func (a *BedrockStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	if a.textIndex < 0 {
		return a.FormatCompleteTextSSE(text)
	}
	return a.event("contentBlockDelta", map[string]any{
		"contentBlockIndex": a.textIndex,
		"delta":             map[string]any{"text": text},
	})
}

// FormatCompleteTextSSE renders a whole text block at the next client index.
func (a *BedrockStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	idx := a.blocks.alloc()
	var b bytes.Buffer
	b.Write(a.event("contentBlockDelta", map[string]any{
		"contentBlockIndex": idx,
		"delta":             map[string]any{"text": text},
	}))
	b.Write(a.event("contentBlockStop", map[string]any{"contentBlockIndex": idx}))
	return b.Bytes()
}

// FormatEndSSE rebuilds messageStop and metadata.
func (a *BedrockStreamAdapter) FormatEndSSE() []byte {
	var b bytes.Buffer
	b.Write(a.event("messageStop", map[string]any{"stopReason": a.stopReason()}))
	meta := map[string]any{"metrics": map[string]any{"latencyMs": a.latencyMs}}
	if a.state.Usage != nil {
		meta["usage"] = bedrockUsageJSON(a.state.Usage)
	}
	b.Write(a.event("metadata", meta))
	return b.Bytes()
}

func (a *BedrockStreamAdapter) stopReason() string {
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

// RawToolCallEvents returns the held toolUse events, renumbered to follow
// the blocks already forwarded.
func (a *BedrockStreamAdapter) RawToolCallEvents() [][]byte {
	if a.replay != nil || len(a.held) == 0 {
		return a.replay
	}
	a.replay = make([][]byte, 0, len(a.held))
	for _, h := range a.held {
		ci := a.blocks.open(h.index)
		a.replay = append(a.replay, encodeBedrockEvent(h.event, reindex(h.data, "contentBlockIndex", h.index, ci)))
	}
	return a.replay
}

// SSEHeaders returns the event-stream transport headers.
func (a *BedrockStreamAdapter) SSEHeaders() map[string]string {
	return map[string]string{
		"Content-Type":      BedrockEventStreamContentType,
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	}
}

// ToProviderResponse rebuilds a Converse response from the state.
func (a *BedrockStreamAdapter) ToProviderResponse() ([]byte, error) {
	st := a.state
	content := make([]any, 0, len(st.ToolCalls)+1)
	if st.Text != "" {
		content = append(content, map[string]any{"text": st.Text})
	}
	for _, tc := range st.ToolCalls {
		content = append(content, map[string]any{"toolUse": map[string]any{
			"toolUseId": tc.ID,
			"name":      tc.Name,
			"input":     DecodeArguments(tc.Arguments),
		}})
	}
	resp := map[string]any{
		"output": map[string]any{"message": map[string]any{
			"role":    "assistant",
			"content": content,
		}},
		"stopReason": a.stopReason(),
		"metrics":    map[string]any{"latencyMs": a.latencyMs},
	}
	if st.Usage != nil {
		resp["usage"] = bedrockUsageJSON(st.Usage)
	}
	return json.Marshal(resp)
}

// encodeBedrockEvent renders one event-stream message of type "event".
func encodeBedrockEvent(eventType string, payload []byte) []byte {
	var headers eventstream.Headers
	headers.Set(":event-type", eventstream.StringValue(eventType))
	headers.Set(":content-type", eventstream.StringValue("application/json"))
	headers.Set(":message-type", eventstream.StringValue("event"))
	return encodeEventStreamMessage(headers, payload)
}

func encodeBedrockException(exceptionType string, payload []byte) []byte {
	var headers eventstream.Headers
	headers.Set(":exception-type", eventstream.StringValue(exceptionType))
	headers.Set(":content-type", eventstream.StringValue("application/json"))
	headers.Set(":message-type", eventstream.StringValue("exception"))
	return encodeEventStreamMessage(headers, payload)
}

func encodeEventStreamMessage(headers eventstream.Headers, payload []byte) []byte {
	var buf bytes.Buffer
	if err := eventstream.NewEncoder().Encode(&buf, eventstream.Message{Headers: headers, Payload: payload}); err != nil {
		return nil
	}
	return buf.Bytes()
}

var _ StreamAdapter = (*BedrockStreamAdapter)(nil)

package adapters

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const anthropicToolRequest = `{
	"model": "claude-sonnet-4-20250514",
	"max_tokens": 1024,
	"system": "Be terse.",
	"messages": [
		{"role": "user", "content": "Read config"},
		{"role": "assistant", "content": [
			{"type": "text", "text": "Reading."},
			{"type": "tool_use", "id": "toolu_1", "name": "read_file", "input": {"path": "config.yaml"}}
		]},
		{"role": "user", "content": [
			{"type": "tool_result", "tool_use_id": "toolu_1", "content": "port: 8080"},
			{"type": "tool_result", "tool_use_id": "toolu_x", "content": [{"type": "text", "text": "boom"}], "is_error": true}
		]}
	],
	"tools": [{"name": "read_file", "description": "Read a file", "input_schema": {"type": "object"}}]
}`

// =============================================================================
// REQUEST
// =============================================================================

func TestAnthropicRequest_Reads(t *testing.T) {
	a := NewAnthropicRequestAdapter([]byte(anthropicToolRequest), "/v1/messages", Options{})

	assert.Equal(t, "anthropic", a.Name())
	assert.Equal(t, ProviderAnthropic, a.Provider())
	assert.Equal(t, "claude-sonnet-4-20250514", a.Model())
	assert.False(t, a.IsStreaming())
	assert.True(t, a.HasTools())

	msgs := a.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "Be terse.", msgs[0].Content)
	assert.Equal(t, "Reading.", msgs[2].Content)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, map[string]any{"path": "config.yaml"}, msgs[2].ToolCalls[0].Arguments)

	results := a.ToolResults()
	require.Len(t, results, 2)
	assert.Equal(t, "toolu_1", results[0].ID)
	assert.Equal(t, "read_file", results[0].Name)
	assert.Equal(t, "port: 8080", results[0].Text())
	assert.Equal(t, UnknownToolName, results[1].Name)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "boom", results[1].Error)
}

func TestAnthropicRequest_UpdateAndModel(t *testing.T) {
	original := []byte(anthropicToolRequest)
	a := NewAnthropicRequestAdapter(original, "/v1/messages", Options{})
	a.UpdateToolResult("toolu_1", BlockedContentMarker)
	a.SetModel("claude-haiku-4-5")

	out, err := a.ToProviderRequest()
	require.NoError(t, err)
	assert.Equal(t, BlockedContentMarker, gjson.GetBytes(out, "messages.2.content.0.content").String())
	assert.Equal(t, "boom", gjson.GetBytes(out, "messages.2.content.1.content.0.text").String())
	assert.Equal(t, "claude-haiku-4-5", gjson.GetBytes(out, "model").String())
	assert.Equal(t, anthropicToolRequest, string(original))
}

func TestAnthropicRequest_ConvertsImages(t *testing.T) {
	body := `{"model":"claude-sonnet-4-5","messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"screenshot","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[
			{"type":"text","text":"screen"},
			{"type":"image","data":"aGVsbG8=","mimeType":"image/jpeg"}
		]}]}
	]}`
	a := NewAnthropicRequestAdapter([]byte(body), "/v1/messages", Options{ConvertImages: true})

	out, err := a.ToProviderRequest()
	require.NoError(t, err)
	img := gjson.GetBytes(out, "messages.1.content.0.content.1")
	assert.Equal(t, "image", img.Get("type").String())
	assert.Equal(t, "base64", img.Get("source.type").String())
	assert.Equal(t, "image/jpeg", img.Get("source.media_type").String())
	assert.Equal(t, "aGVsbG8=", img.Get("source.data").String())
}

// =============================================================================
// RESPONSE
// =============================================================================

const anthropicToolResponse = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
	"content":[{"type":"text","text":"Searching."},{"type":"tool_use","id":"toolu_9","name":"search","input":{"q":"test"}}],
	"stop_reason":"tool_use","stop_sequence":null,
	"usage":{"input_tokens":12,"output_tokens":7}}`

func TestAnthropicResponse_Reads(t *testing.T) {
	r := NewAnthropicResponseAdapter([]byte(anthropicToolResponse))
	assert.Equal(t, "msg_1", r.ID())
	assert.Equal(t, "Searching.", r.Text())
	require.Len(t, r.ToolCalls(), 1)
	assert.Equal(t, "toolu_9", r.ToolCalls()[0].ID)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 7, TotalTokens: 19}, r.Usage())
	assert.Equal(t, "tool_use", r.StopReason())
}

func TestAnthropicResponse_ToRefusalResponse(t *testing.T) {
	r := NewAnthropicResponseAdapter([]byte(anthropicToolResponse))
	out, err := r.ToRefusalResponse("blocked", "Not allowed.")
	require.NoError(t, err)

	rr := NewAnthropicResponseAdapter(out)
	assert.False(t, rr.HasToolCalls())
	assert.Equal(t, "end_turn", rr.StopReason())
	assert.Equal(t, "Not allowed.", rr.Text())
	assert.Equal(t, "msg_1", rr.ID())
}

// =============================================================================
// STREAM
// =============================================================================

func anthropicEvent(event, data string) Chunk {
	return Chunk{Event: event, Data: []byte(data)}
}

func anthropicToolStream() []Chunk {
	return []Chunk{
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("ping", `{"type":"ping"}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Search"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ing."}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"search","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"test\"}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":7}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	}
}

func TestAnthropicStream_ToolUseHeld(t *testing.T) {
	a := NewAnthropicStreamAdapter("claude-sonnet-4-20250514")
	results := feed(t, a, anthropicToolStream()...)

	for i := 0; i <= 5; i++ {
		assert.NotEmpty(t, results[i].SSEData, "event %d forwarded", i)
	}
	for i := 6; i <= 9; i++ {
		assert.True(t, results[i].IsToolCallChunk, "event %d", i)
		assert.Empty(t, results[i].SSEData)
	}
	assert.True(t, results[10].IsFinal)
	assert.Empty(t, results[10].SSEData, "message_delta held")
	assert.Empty(t, results[11].SSEData, "message_stop held")

	assert.True(t, strings.HasPrefix(string(results[3].SSEData), "event: content_block_delta\ndata: "))

	st := a.State()
	assert.Equal(t, "Searching.", st.Text)
	require.Len(t, st.ToolCalls, 1)
	assert.Equal(t, `{"q":"test"}`, st.ToolCalls[0].Arguments)
	assert.Len(t, a.RawToolCallEvents(), 4)
}

func TestAnthropicStream_RoundTrip(t *testing.T) {
	a := NewAnthropicStreamAdapter("claude-sonnet-4-20250514")
	feed(t, a, anthropicToolStream()...)

	rebuilt, err := a.ToProviderResponse()
	require.NoError(t, err)
	r := NewAnthropicResponseAdapter(rebuilt)
	want := NewAnthropicResponseAdapter([]byte(anthropicToolResponse))

	assert.Equal(t, want.Text(), r.Text())
	assert.Equal(t, want.ToolCalls(), r.ToolCalls())
	assert.Equal(t, want.Usage(), r.Usage())
	assert.Equal(t, want.StopReason(), r.StopReason())
	assert.Equal(t, "msg_1", r.ID())
}

func TestAnthropicStream_RefusalEnd(t *testing.T) {
	a := NewAnthropicStreamAdapter("claude-sonnet-4-20250514")
	feed(t, a, anthropicToolStream()...)
	a.MarkRefused()

	text := string(a.FormatCompleteTextSSE("Blocked."))
	assert.Contains(t, text, `"index":1`, "refusal follows the only forwarded block")
	assert.Equal(t, 3, strings.Count(text, "event: "))

	end := string(a.FormatEndSSE())
	assert.Contains(t, end, `"stop_reason":"end_turn"`)
	assert.True(t, strings.HasSuffix(end, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
}

// sseIndices returns the "index" of every block event in an SSE byte stream.
func sseIndices(t *testing.T, wire []byte) []int64 {
	t.Helper()
	var out []int64
	for _, line := range strings.Split(string(wire), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if idx := gjson.Get(data, "index"); idx.Exists() {
			out = append(out, idx.Int())
		}
	}
	return out
}

func TestAnthropicStream_ClientIndicesStayContiguous(t *testing.T) {
	// tool_use at 0 is held, text at 1 is forwarded first.
	chunks := []Chunk{
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_2","model":"m","usage":{"input_tokens":3}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"send_email","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Sent."}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":4}}`),
	}

	t.Run("refused", func(t *testing.T) {
		a := NewAnthropicStreamAdapter("m")
		var wire []byte
		for _, r := range feed(t, a, chunks...) {
			wire = append(wire, r.SSEData...)
		}
		assert.Equal(t, []int64{0, 0, 0}, sseIndices(t, wire), "forwarded text renumbered to 0")

		a.MarkRefused()
		assert.Equal(t, []int64{1, 1, 1}, sseIndices(t, a.FormatCompleteTextSSE("denied")))
		assert.Contains(t, string(a.FormatTextDeltaSSE("more")), `"index":0`)
	})

	t.Run("replayed", func(t *testing.T) {
		a := NewAnthropicStreamAdapter("m")
		feed(t, a, chunks...)
		var replay []byte
		for _, ev := range a.RawToolCallEvents() {
			replay = append(replay, ev...)
		}
		assert.Equal(t, []int64{1, 1, 1}, sseIndices(t, replay), "held block follows the forwarded one")
		assert.Len(t, a.RawToolCallEvents(), 3, "replay is stable")
	})
}

func TestAnthropicStream_TextDeltaReusesOpenBlock(t *testing.T) {
	a := NewAnthropicStreamAdapter("m")
	feed(t, a, anthropicToolStream()[:2]...)
	assert.Contains(t, string(a.FormatTextDeltaSSE("x")), `"index":0`)
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	a := NewAnthropicStreamAdapter("m")
	res := a.ProcessChunk(anthropicEvent("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "Overloaded")
}

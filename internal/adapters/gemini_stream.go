package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// GeminiStreamAdapter reconstructs streamGenerateContent?alt=sse streams.
//
// Every chunk is a full GenerateContentResponse. functionCall parts arrive
// whole, one slot per call. usageMetadata repeats on every chunk, so the
// stream is final on the chunk carrying finishReason, which is held and
// rebuilt by FormatEndSSE. Calls without an id are named by geminiCallIDs.
type GeminiStreamAdapter struct {
	state *StreamState
	calls int
	ids   geminiCallIDs
}

// NewGeminiStreamAdapter starts a stream for the requested model.
func NewGeminiStreamAdapter(model string) *GeminiStreamAdapter {
	return &GeminiStreamAdapter{state: newStreamState(model), ids: geminiCallIDs{}}
}

func (a *GeminiStreamAdapter) State() *StreamState { return a.state }
func (a *GeminiStreamAdapter) MarkRefused()        { a.state.refused = true }

// ProcessChunk advances the state machine by one SSE data payload.
func (a *GeminiStreamAdapter) ProcessChunk(chunk Chunk) ChunkResult {
	data := bytes.TrimSpace(chunk.Data)
	if len(data) == 0 {
		return ChunkResult{}
	}
	st := a.state
	st.touch()

	if !gjson.ValidBytes(data) {
		return ChunkResult{Err: fmt.Errorf("invalid gemini stream chunk: %s", truncateForError(data))}
	}
	v := gjson.ParseBytes(data)
	if v.Get("error").Exists() {
		return ChunkResult{
			SSEData: sseFrame("", data),
			Err:     fmt.Errorf("gemini stream error: %s", ExtractErrorMessage(ProviderGemini, data)),
		}
	}

	if id := v.Get("responseId").String(); id != "" {
		st.ResponseID = id
	}
	if m := v.Get("modelVersion").String(); m != "" {
		st.Model = m
	}
	if u := v.Get("usageMetadata"); u.IsObject() {
		st.Usage = usagePtr(geminiUsage(u))
	}

	cand := v.Get("candidates.0")
	var text string
	res := ChunkResult{}
	cand.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
		if fc := p.Get("functionCall"); fc.Exists() {
			slot := st.slot(a.calls)
			a.calls++
			slot.ID = a.ids.id(fc)
			slot.Name = fc.Get("name").String()
			slot.Arguments = fc.Get("args").Raw
			res.IsToolCallChunk = true
			return true
		}
		if p.Get("thought").Bool() {
			return true
		}
		text += p.Get("text").String()
		return true
	})
	if res.IsToolCallChunk {
		st.retain(sseFrame("", data))
	}
	st.Text += text

	finish := cand.Get("finishReason").String()
	if finish != "" {
		st.setStopReason(finish)
		res.IsFinal = true
	}

	switch {
	case text != "" && (res.IsToolCallChunk || finish != ""):
		res.SSEData = a.FormatTextDeltaSSE(text)
	case !res.IsToolCallChunk && finish == "":
		res.SSEData = sseFrame("", data)
	}
	return res
}

func (a *GeminiStreamAdapter) frame(parts []any, finish string, withUsage bool) []byte {
	cand := map[string]any{
		"content": map[string]any{"role": "model", "parts": parts},
		"index":   0,
	}
	if finish != "" {
		cand["finishReason"] = finish
	}
	resp := map[string]any{"candidates": []any{cand}}
	if withUsage && a.state.Usage != nil {
		resp["usageMetadata"] = geminiUsageJSON(a.state.Usage)
	}
	if a.state.Model != "" {
		resp["modelVersion"] = a.state.Model
	}
	if a.state.ResponseID != "" {
		resp["responseId"] = a.state.ResponseID
	}
	return sseJSON("", resp)
}

// FormatTextDeltaSSE renders a text-only chunk.
func (a *GeminiStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	return a.frame([]any{map[string]any{"text": text}}, "", false)
}

// FormatCompleteTextSSE renders a whole text message; Gemini has no block framing.
func (a *GeminiStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	return a.FormatTextDeltaSSE(text)
}

// FormatEndSSE rebuilds the held finish chunk with usage.
func (a *GeminiStreamAdapter) FormatEndSSE() []byte {
	return a.frame([]any{map[string]any{"text": ""}}, a.stopReason(), true)
}

func (a *GeminiStreamAdapter) stopReason() string {
	if !a.state.refused && a.state.StopReason != nil {
		return *a.state.StopReason
	}
	return "STOP"
}

func (a *GeminiStreamAdapter) RawToolCallEvents() [][]byte    { return a.state.RawToolCallEvents }
func (a *GeminiStreamAdapter) SSEHeaders() map[string]string { return defaultSSEHeaders() }

// ToProviderResponse rebuilds a GenerateContentResponse from the state.
func (a *GeminiStreamAdapter) ToProviderResponse() ([]byte, error) {
	st := a.state
	parts := make([]any, 0, len(st.ToolCalls)+1)
	if st.Text != "" {
		parts = append(parts, map[string]any{"text": st.Text})
	}
	for _, tc := range st.ToolCalls {
		fc := map[string]any{"name": tc.Name, "args": DecodeArguments(tc.Arguments)}
		if tc.ID != "" && !a.ids.minted(tc.Name, tc.ID) {
			fc["id"] = tc.ID
		}
		parts = append(parts, map[string]any{"functionCall": fc})
	}
	resp := map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": a.stopReason(),
			"index":        0,
		}},
		"modelVersion": st.Model,
	}
	if st.ResponseID != "" {
		resp["responseId"] = st.ResponseID
	}
	if st.Usage != nil {
		resp["usageMetadata"] = geminiUsageJSON(st.Usage)
	}
	return json.Marshal(resp)
}

var _ StreamAdapter = (*GeminiStreamAdapter)(nil)

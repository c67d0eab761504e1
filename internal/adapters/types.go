// Package adapters types - vendor-neutral types shared by every adapter.
//
// DESIGN: Business logic (policy, compression, persistence) only ever sees
// these types. Vendor-native bytes stay reachable through OriginalRequest /
// OriginalResponse so nothing is lost in translation.
package adapters

import (
	"encoding/json"
	"time"
)

// =============================================================================
// PROVIDERS
// =============================================================================

// Provider identifies an upstream LLM vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
	ProviderVLLM      Provider = "vllm"
	ProviderCerebras  Provider = "cerebras"
	ProviderMistral   Provider = "mistral"
	ProviderZhipuAI   Provider = "zhipuai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderBedrock   Provider = "bedrock"
	ProviderCohere    Provider = "cohere"
	ProviderUnknown   Provider = ""
)

// AllProviders lists every provider with built-in adapters.
var AllProviders = []Provider{
	ProviderOpenAI, ProviderOllama, ProviderVLLM, ProviderCerebras, ProviderMistral, ProviderZhipuAI,
	ProviderAnthropic, ProviderGemini, ProviderBedrock, ProviderCohere,
}

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// IsOpenAICompatible reports whether the provider speaks the OpenAI
// Chat Completions wire format.
func (p Provider) IsOpenAICompatible() bool {
	switch p {
	case ProviderOpenAI, ProviderOllama, ProviderVLLM, ProviderCerebras, ProviderMistral, ProviderZhipuAI:
		return true
	}
	return false
}

// ProviderFromString converts a string to a Provider.
func ProviderFromString(s string) Provider {
	for _, p := range AllProviders {
		if string(p) == s {
			return p
		}
	}
	return ProviderUnknown
}

// =============================================================================
// COMMON FORMAT
// =============================================================================

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
	RoleModel     Role = "model"
	RoleFunction  Role = "function"
)

// UnknownToolName is used for tool results whose call id has no matching tool call.
const UnknownToolName = "unknown"

// CommonMessage is one conversation message in vendor-neutral form.
type CommonMessage struct {
	Role        Role
	Content     string
	ToolCalls   []CommonToolCall
	ToolResults []CommonToolResult
}

// CommonToolCall is a single tool invocation requested by the model.
type CommonToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// CommonToolResult is the outcome of executing a tool.
type CommonToolResult struct {
	ID      string
	Name    string
	Content []ToolContent
	// Raw is the vendor-native content value.
	Raw     json.RawMessage
	IsError bool
	Error   string
}

// Text joins all text and structured parts of the result.
func (r CommonToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		switch v := c.(type) {
		case TextContent:
			out = joinText(out, v.Text)
		case StructuredContent:
			out = joinText(out, string(v.JSON))
		}
	}
	return out
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n" + b
}

// ToolContent is one part of a tool result: TextContent, StructuredContent or ImageContent.
type ToolContent interface {
	isToolContent()
}

// TextContent is plain text tool output.
type TextContent struct {
	Text string
}

// StructuredContent is tool output that parsed as a JSON object or array.
type StructuredContent struct {
	JSON json.RawMessage
}

// ImageContent is an image carried inside a tool result.
type ImageContent struct {
	Data     []byte
	MimeType string
}

func (TextContent) isToolContent()       {}
func (StructuredContent) isToolContent() {}
func (ImageContent) isToolContent()      {}

// ToolDefinition is a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Usage holds token usage for one exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// IsZero reports whether no usage was recorded.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

func newUsage(in, out, total int) Usage {
	if total == 0 {
		total = in + out
	}
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
}

// ToolCompressionStats reports one TOON compression attempt.
type ToolCompressionStats struct {
	TokensBefore   int     `json:"tokens_before"`
	TokensAfter    int     `json:"tokens_after"`
	CostSavings    float64 `json:"cost_savings"`
	WasEffective   bool    `json:"was_effective"`
	HadToolResults bool    `json:"had_tool_results"`
}

// =============================================================================
// STREAMING
// =============================================================================

// Chunk is one unit read from a vendor stream. For SSE vendors Event is the
// SSE event name (may be empty) and Data the data payload; for Bedrock Event
// is the ":event-type" header and Data the frame payload.
type Chunk struct {
	Event string
	Data  []byte
}

// ChunkResult tells the caller what to do with a processed chunk.
type ChunkResult struct {
	// SSEData is forwarded to the client as-is when non-empty.
	SSEData []byte
	// IsToolCallChunk means output for this chunk is withheld pending policy evaluation.
	IsToolCallChunk bool
	IsFinal         bool
	Err             error
}

// StreamToolCall is a tool call being assembled from stream deltas.
type StreamToolCall struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamState accumulates one in-flight stream. Owned by a single stream adapter.
type StreamState struct {
	ResponseID        string
	Model             string
	Text              string
	ToolCalls         []StreamToolCall
	RawToolCallEvents [][]byte
	Usage             *Usage
	StopReason        *string
	StartTime         time.Time
	FirstChunkTime    time.Time

	refused bool
	slots   map[int]int
}

func newStreamState(model string) *StreamState {
	return &StreamState{
		Model:     model,
		StartTime: time.Now(),
		slots:     make(map[int]int),
	}
}

// touch records the first chunk time.
func (s *StreamState) touch() {
	if s.FirstChunkTime.IsZero() {
		s.FirstChunkTime = time.Now()
	}
}

// slot returns the tool call slot for a vendor delta index, creating it if needed.
func (s *StreamState) slot(index int) *StreamToolCall {
	if i, ok := s.slots[index]; ok {
		return &s.ToolCalls[i]
	}
	s.slots[index] = len(s.ToolCalls)
	s.ToolCalls = append(s.ToolCalls, StreamToolCall{Index: index})
	return &s.ToolCalls[len(s.ToolCalls)-1]
}

func (s *StreamState) hasSlot(index int) bool {
	_, ok := s.slots[index]
	return ok
}

func (s *StreamState) setStopReason(reason string) {
	if reason == "" {
		return
	}
	s.StopReason = &reason
}

func (s *StreamState) retain(raw []byte) {
	s.RawToolCallEvents = append(s.RawToolCallEvents, append([]byte(nil), raw...))
}

// TimeToFirstChunk returns the latency until the first chunk arrived.
func (s *StreamState) TimeToFirstChunk() time.Duration {
	if s.FirstChunkTime.IsZero() {
		return 0
	}
	return s.FirstChunkTime.Sub(s.StartTime)
}

// ToolCallsCommon converts the accumulated tool calls to common form.
func (s *StreamState) ToolCallsCommon() []CommonToolCall {
	calls := make([]CommonToolCall, 0, len(s.ToolCalls))
	for _, tc := range s.ToolCalls {
		calls = append(calls, CommonToolCall{ID: tc.ID, Name: tc.Name, Arguments: DecodeArguments(tc.Arguments)})
	}
	return calls
}

// Package adapters provides provider-specific request, response and stream handling.
//
// DESIGN: Every vendor exposes a different chat schema and a different
// streaming wire format. Adapters wrap one vendor-native payload and expose a
// uniform read/modify API over it:
//
//   - RequestAdapter:  common-format reads, staged tool-result updates, TOON
//     compression, image conversion, outbound request materialization
//   - ResponseAdapter: common-format reads over a completed response, refusals
//   - StreamAdapter:   per-chunk state machine that forwards text immediately
//     and holds tool-call chunks until a policy decision is made
//
// FLOW:
//  1. Gateway resolves the provider spec from the Registry
//  2. Request adapter is built from the inbound body and path
//  3. Policy/compression stage updates, ToProviderRequest materializes bytes
//  4. Response or stream adapter wraps what the vendor sends back
//
// To add a new provider: implement the three interfaces and register a ProviderSpec.
package adapters

import (
	"encoding/json"
	"strings"
)

// RequestAdapter wraps one vendor-native chat request.
// Reads are pure and idempotent; writes are staged and only materialized by
// ToProviderRequest, which never mutates the original bytes.
type RequestAdapter interface {
	Provider() Provider

	Model() string
	IsStreaming() bool
	Messages() []CommonMessage
	ToolResults() []CommonToolResult
	Tools() []ToolDefinition
	HasTools() bool

	// ProviderMessages returns the vendor-native message array.
	ProviderMessages() json.RawMessage
	// OriginalRequest returns the untouched input bytes.
	OriginalRequest() []byte

	// SetModel overrides the model used for the outbound request.
	SetModel(model string)

	// UpdateToolResult stages a content replacement keyed by tool call id.
	UpdateToolResult(id, content string)
	// ApplyToolResultUpdates stages several replacements at once.
	ApplyToolResultUpdates(updates map[string]string)

	// ApplyToonCompression stages TOON-encoded tool results that tokenize smaller.
	ApplyToonCompression(model string) ToolCompressionStats

	// ConvertToolResultContent rewrites universal image blocks inside tool
	// results of a vendor-native message array.
	ConvertToolResultContent(messages json.RawMessage) (json.RawMessage, error)

	// ToProviderRequest materializes the outbound body.
	ToProviderRequest() ([]byte, error)
	// Path returns the outbound URL path.
	Path() string
}

// ResponseAdapter wraps one completed vendor-native response.
type ResponseAdapter interface {
	ID() string
	Model() string
	Text() string
	ToolCalls() []CommonToolCall
	HasToolCalls() bool
	Usage() Usage
	StopReason() string
	OriginalResponse() []byte

	// ToRefusalResponse builds a response whose only content is contentMessage,
	// with zero tool calls and a normal stop reason.
	ToRefusalResponse(refusalMessage, contentMessage string) ([]byte, error)
}

// StreamAdapter reconstructs one vendor stream chunk by chunk.
type StreamAdapter interface {
	ProcessChunk(chunk Chunk) ChunkResult
	State() *StreamState

	// ToProviderResponse builds a complete non-stream response from the state.
	ToProviderResponse() ([]byte, error)

	FormatTextDeltaSSE(text string) []byte
	FormatCompleteTextSSE(text string) []byte
	FormatEndSSE() []byte
	RawToolCallEvents() [][]byte
	SSEHeaders() map[string]string

	// MarkRefused makes the end sequence report a normal stop after withheld
	// tool calls were blocked.
	MarkRefused()
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// TokenizerMessage is the minimal message shape a tokenizer counts.
type TokenizerMessage struct {
	Role    string
	Content string
}

// Tokenizer counts tokens deterministically for a model family.
type Tokenizer interface {
	CountTokens(messages []TokenizerMessage) int
}

// TokenizerFactory returns the tokenizer for a provider/model.
type TokenizerFactory interface {
	ForModel(provider Provider, model string) Tokenizer
}

// PriceLookup returns the input token price per million tokens for a model.
type PriceLookup interface {
	InputPrice(model string) (pricePerMillion float64, ok bool)
}

// ModelCapabilities answers capability questions about a model.
type ModelCapabilities interface {
	SupportsImages(model string) bool
}

// PrefixCapabilities matches image support by model name prefix.
type PrefixCapabilities struct {
	ImagePrefixes []string
}

// DefaultImageModelPrefixes lists model families accepting image input.
var DefaultImageModelPrefixes = []string{
	"gpt-4o", "gpt-4.1", "gpt-4-turbo", "gpt-5", "o1", "o3", "o4",
	"claude-3", "claude-sonnet-4", "claude-opus-4", "claude-haiku-4",
	"gemini-", "anthropic.claude-3", "anthropic.claude-sonnet-4", "anthropic.claude-opus-4",
	"us.anthropic.claude", "amazon.nova", "llava", "llama3.2-vision", "qwen2.5-vl",
	"pixtral", "mistral-medium", "mistral-small-3", "glm-4v", "command-a-vision",
}

// SupportsImages reports whether model starts with any configured prefix.
func (c PrefixCapabilities) SupportsImages(model string) bool {
	prefixes := c.ImagePrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultImageModelPrefixes
	}
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, p := range prefixes {
		if strings.HasPrefix(m, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Options configures request adapters.
type Options struct {
	Tokenizers   TokenizerFactory
	Prices       PriceLookup
	Capabilities ModelCapabilities

	// ConvertImages enables tool-result image conversion in ToProviderRequest.
	ConvertImages bool
	// MaxImageBytes replaces larger images with a placeholder. 0 disables the limit.
	MaxImageBytes int

	// StripBrowserResults replaces all but the latest browser tool result.
	StripBrowserResults bool
	BrowserToolPrefixes []string
}

// DefaultBrowserToolPrefixes matches common browser automation tool names.
var DefaultBrowserToolPrefixes = []string{
	"browser_", "browser.", "mcp__playwright__", "mcp__puppeteer__", "playwright_", "puppeteer_", "computer",
}

func (o Options) capabilities() ModelCapabilities {
	if o.Capabilities == nil {
		return PrefixCapabilities{}
	}
	return o.Capabilities
}

func (o Options) browserPrefixes() []string {
	if len(o.BrowserToolPrefixes) == 0 {
		return DefaultBrowserToolPrefixes
	}
	return o.BrowserToolPrefixes
}

// isBrowserTool reports whether a tool name matches a browser automation prefix.
func (o Options) isBrowserTool(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range o.browserPrefixes() {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// BaseAdapter provides common identity for all adapters.
type BaseAdapter struct {
	name     string
	provider Provider
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// Provider returns the provider type.
func (a *BaseAdapter) Provider() Provider {
	return a.provider
}

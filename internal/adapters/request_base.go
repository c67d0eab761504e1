// Shared request adapter machinery.
//
// DESIGN: Vendor request adapters embed requestCore, which owns the original
// bytes, staged updates and model override, and drives the operations that
// are identical across vendors (compression, image conversion, browser result
// stripping, materialization). Vendor specifics come from the dialect:
// where tool results live, how their content is rewritten, where the model is.
//
// All edits go through sjson on a private copy, so the caller's original
// request bytes are never touched.
package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// toolResultSlot locates one tool result inside a vendor-native request.
type toolResultSlot struct {
	ID      string
	Name    string
	Message int
	// Path is the gjson/sjson path of the content value.
	Path    string
	Content gjson.Result
	IsError bool
}

// dialect captures the vendor-specific parts of a request adapter.
type dialect interface {
	messagesPath() string
	toolResultSlots(body []byte) []toolResultSlot
	setToolResultText(body []byte, slot toolResultSlot, text string) ([]byte, error)
	setToolResultBlocks(body []byte, slot toolResultSlot, blocks []any) ([]byte, error)
	renderer() blockRenderer
	model(body []byte, path string) string
	isStreaming(body []byte, path string) bool
	setModel(body []byte, model string) ([]byte, error)
	outboundPath(path, model string) string
}

type requestCore struct {
	BaseAdapter
	body          []byte
	path          string
	modelOverride string
	updates       map[string]string
	opts          Options
	d             dialect
}

func newRequestCore(name string, provider Provider, body []byte, path string, opts Options, d dialect) *requestCore {
	return &requestCore{
		BaseAdapter: BaseAdapter{name: name, provider: provider},
		body:        body,
		path:        path,
		updates:     make(map[string]string),
		opts:        opts,
		d:           d,
	}
}

// OriginalRequest returns the untouched input bytes.
func (c *requestCore) OriginalRequest() []byte {
	return c.body
}

// Model returns the outbound model: the override when set, else the request's own.
func (c *requestCore) Model() string {
	if c.modelOverride != "" {
		return c.modelOverride
	}
	return c.d.model(c.body, c.path)
}

// IsStreaming reports whether the client asked for a streamed response.
func (c *requestCore) IsStreaming() bool {
	return c.d.isStreaming(c.body, c.path)
}

// SetModel overrides the model used when building the outbound request.
func (c *requestCore) SetModel(model string) {
	c.modelOverride = model
}

// ProviderMessages returns the vendor-native message array.
func (c *requestCore) ProviderMessages() json.RawMessage {
	raw := gjson.GetBytes(c.body, c.d.messagesPath()).Raw
	if raw == "" {
		return json.RawMessage("[]")
	}
	return json.RawMessage(raw)
}

// UpdateToolResult stages a content replacement for a tool call id.
func (c *requestCore) UpdateToolResult(id, content string) {
	c.updates[id] = content
}

// ApplyToolResultUpdates stages several replacements.
func (c *requestCore) ApplyToolResultUpdates(updates map[string]string) {
	for id, content := range updates {
		c.updates[id] = content
	}
}

// ToolResults returns every tool result in the request, in message order.
func (c *requestCore) ToolResults() []CommonToolResult {
	slots := c.d.toolResultSlots(c.body)
	results := make([]CommonToolResult, 0, len(slots))
	for _, s := range slots {
		r := CommonToolResult{
			ID:      s.ID,
			Name:    s.Name,
			Content: parseToolContent(s.Content),
			Raw:     json.RawMessage(s.Content.Raw),
			IsError: s.IsError,
		}
		if s.IsError {
			r.Error, _ = contentText(s.Content)
		}
		results = append(results, r)
	}
	return results
}

// Path returns the outbound URL path.
func (c *requestCore) Path() string {
	if c.modelOverride == "" {
		return c.path
	}
	return c.d.outboundPath(c.path, c.modelOverride)
}

// ToProviderRequest materializes the outbound body: staged updates, image
// conversion, stale browser result stripping, then the model override.
func (c *requestCore) ToProviderRequest() ([]byte, error) {
	out := append([]byte(nil), c.body...)
	var err error

	if len(c.updates) > 0 {
		for _, s := range c.d.toolResultSlots(out) {
			text, ok := c.updates[s.ID]
			if !ok {
				continue
			}
			if out, err = c.d.setToolResultText(out, s, text); err != nil {
				return nil, fmt.Errorf("failed to apply update for tool result %s: %w", s.ID, err)
			}
		}
	}

	if c.opts.ConvertImages {
		if out, err = c.convertImages(out); err != nil {
			return nil, err
		}
	}

	if c.opts.StripBrowserResults {
		if out, err = c.stripBrowserResults(out); err != nil {
			return nil, err
		}
	}

	if c.modelOverride != "" {
		if out, err = c.d.setModel(out, c.modelOverride); err != nil {
			return nil, fmt.Errorf("failed to set model: %w", err)
		}
	}
	return out, nil
}

// ConvertToolResultContent rewrites universal image blocks inside the tool
// results of a vendor-native message array.
func (c *requestCore) ConvertToolResultContent(messages json.RawMessage) (json.RawMessage, error) {
	wrapped, err := sjson.SetRawBytes([]byte(`{}`), c.d.messagesPath(), messages)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap messages: %w", err)
	}
	converted, err := c.convertImages(wrapped)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(gjson.GetBytes(converted, c.d.messagesPath()).Raw), nil
}

func (c *requestCore) convertImages(body []byte) ([]byte, error) {
	supports := c.opts.capabilities().SupportsImages(c.Model())
	var err error
	for _, s := range c.d.toolResultSlots(body) {
		blocks, changed := convertBlocks(s.Content, c.d.renderer(), supports, c.opts.MaxImageBytes)
		if !changed {
			continue
		}
		if body, err = c.d.setToolResultBlocks(body, s, blocks); err != nil {
			return nil, fmt.Errorf("failed to convert images for tool result %s: %w", s.ID, err)
		}
	}
	return body, nil
}

// staleBrowserIDs returns the ids of browser tool results superseded by a later one.
func (c *requestCore) staleBrowserIDs(slots []toolResultSlot) map[string]bool {
	stale := make(map[string]bool)
	last := -1
	for i, s := range slots {
		if c.opts.isBrowserTool(s.Name) {
			if last >= 0 {
				stale[slots[last].ID] = true
			}
			last = i
		}
	}
	return stale
}

func (c *requestCore) stripBrowserResults(body []byte) ([]byte, error) {
	slots := c.d.toolResultSlots(body)
	stale := c.staleBrowserIDs(slots)
	var err error
	for _, s := range slots {
		if !stale[s.ID] {
			continue
		}
		if body, err = c.d.setToolResultText(body, s, StaleBrowserPlaceholder); err != nil {
			return nil, fmt.Errorf("failed to strip browser result %s: %w", s.ID, err)
		}
	}
	return body, nil
}

// currentText returns a tool result's text with staged updates applied.
func (c *requestCore) currentText(s toolResultSlot) (string, bool) {
	if text, ok := c.updates[s.ID]; ok {
		return text, true
	}
	return contentText(s.Content)
}

// ApplyToonCompression stages TOON-encoded tool results that tokenize strictly
// smaller under the model's tokenizer. Stale browser results are left out
// because stripping replaces them before anything is sent.
func (c *requestCore) ApplyToonCompression(model string) ToolCompressionStats {
	var stats ToolCompressionStats
	tok := c.tokenizer(model)
	count := func(text string) int {
		return tok.CountTokens([]TokenizerMessage{{Role: string(RoleTool), Content: text}})
	}

	slots := c.d.toolResultSlots(c.body)
	var stale map[string]bool
	if c.opts.StripBrowserResults {
		stale = c.staleBrowserIDs(slots)
	}

	accepted := make(map[string]string)
	appliedAfter, attemptedAfter := 0, 0
	for _, s := range slots {
		if stale[s.ID] {
			continue
		}
		text, ok := c.currentText(s)
		if !ok {
			continue
		}
		before := count(text)
		stats.TokensBefore += before

		if !isJSONContainer(text) {
			appliedAfter += before
			attemptedAfter += before
			continue
		}
		stats.HadToolResults = true

		encoded, ok := EncodeTOON([]byte(text))
		if !ok {
			appliedAfter += before
			attemptedAfter += before
			continue
		}
		after := count(encoded)
		attemptedAfter += after
		if after < before {
			accepted[s.ID] = encoded
			appliedAfter += after
		} else {
			appliedAfter += before
		}
	}

	if len(accepted) == 0 {
		stats.TokensAfter = attemptedAfter
		return stats
	}

	c.ApplyToolResultUpdates(accepted)
	stats.TokensAfter = appliedAfter
	stats.WasEffective = stats.TokensAfter < stats.TokensBefore
	if c.opts.Prices != nil {
		if price, ok := c.opts.Prices.InputPrice(model); ok {
			stats.CostSavings = float64(stats.TokensBefore-stats.TokensAfter) * price / 1_000_000
		}
	}
	return stats
}

func (c *requestCore) tokenizer(model string) Tokenizer {
	if c.opts.Tokenizers != nil {
		if t := c.opts.Tokenizers.ForModel(c.provider, model); t != nil {
			return t
		}
	}
	return approxTokenizer{}
}

// approxTokenizer estimates four bytes per token.
type approxTokenizer struct{}

func (approxTokenizer) CountTokens(messages []TokenizerMessage) int {
	n := 0
	for _, m := range messages {
		n += (len(m.Content) + 3) / 4
	}
	return n
}

// toolNameIndex maps tool call ids to names, resolving misses to "unknown".
type toolNameIndex map[string]string

func (idx toolNameIndex) name(id string) string {
	if n, ok := idx[id]; ok && n != "" {
		return n
	}
	return UnknownToolName
}

// setJSONValue sets a Go value at path on body.
func setJSONValue(body []byte, path string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(body, path, raw)
}

// itoaPath renders an array index for gjson/sjson paths.
func itoaPath(i int) string {
	return strconv.Itoa(i)
}

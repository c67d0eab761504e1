// Tool result content helpers: text extraction, universal image blocks, placeholders.
//
// DESIGN: Tool outputs relayed from MCP servers carry images as
// {"type":"image","data":"<base64>","mimeType":"image/png"}. This "universal"
// block is not valid for any vendor, so request adapters rewrite it into the
// vendor's multimodal shape or a text placeholder before forwarding.
package adapters

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
)

// universalImage is a decoded MCP-style image block.
type universalImage struct {
	MimeType string
	Data     string // base64
}

// size returns the decoded image size in bytes.
func (img universalImage) size() int {
	return base64.RawStdEncoding.DecodedLen(len(strings.TrimRight(img.Data, "=")))
}

func asUniversalImage(v gjson.Result) (universalImage, bool) {
	if !v.IsObject() || v.Get("type").String() != "image" {
		return universalImage{}, false
	}
	data, mime := v.Get("data"), v.Get("mimeType")
	if data.Type != gjson.String || mime.Type != gjson.String {
		return universalImage{}, false
	}
	return universalImage{MimeType: mime.String(), Data: data.String()}, true
}

// contentBlocks returns the block list of a tool result content value.
// String content holding a JSON array of blocks is unwrapped.
func contentBlocks(v gjson.Result) ([]gjson.Result, bool) {
	if v.IsArray() {
		return v.Array(), true
	}
	if v.Type == gjson.String {
		s := strings.TrimSpace(v.String())
		if strings.HasPrefix(s, "[") && gjson.Valid(s) {
			return gjson.Parse(s).Array(), true
		}
	}
	return nil, false
}

func hasUniversalImage(v gjson.Result) bool {
	blocks, ok := contentBlocks(v)
	if !ok {
		return false
	}
	for _, b := range blocks {
		if _, ok := asUniversalImage(b); ok {
			return true
		}
	}
	return false
}

// contentText returns the textual form of a tool result content value.
// The bool is false when the content holds non-text blocks such as images.
func contentText(v gjson.Result) (string, bool) {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return "", true
	case v.Type == gjson.String:
		return v.String(), true
	case v.IsArray():
		var parts []string
		for _, b := range v.Array() {
			switch {
			case b.Type == gjson.String:
				parts = append(parts, b.String())
			case b.Get("text").Type == gjson.String && (b.Get("type").String() == "text" || !b.Get("type").Exists()):
				parts = append(parts, b.Get("text").String())
			case b.Get("json").Exists():
				parts = append(parts, b.Get("json").Raw)
			case b.Get("type").String() == "document":
				d := b.Get("document.data")
				if d.Type == gjson.String {
					parts = append(parts, d.String())
				} else {
					parts = append(parts, d.Raw)
				}
			default:
				return "", false
			}
		}
		return strings.Join(parts, "\n"), true
	case v.IsObject():
		for _, k := range []string{"content", "output", "result"} {
			if f := v.Get(k); f.Type == gjson.String && len(v.Map()) == 1 {
				return f.String(), true
			}
		}
		return v.Raw, true
	default:
		return v.Raw, true
	}
}

// parseToolContent converts a content value into closed-variant parts.
func parseToolContent(v gjson.Result) []ToolContent {
	if blocks, ok := contentBlocks(v); ok && (v.IsArray() || hasUniversalImage(v)) {
		var out []ToolContent
		for _, b := range blocks {
			if img, ok := asUniversalImage(b); ok {
				data, _ := base64.StdEncoding.DecodeString(img.Data)
				out = append(out, ImageContent{Data: data, MimeType: img.MimeType})
				continue
			}
			if img, ok := nativeImage(b); ok {
				out = append(out, img)
				continue
			}
			if text, ok := contentText(gjson.Parse("[" + b.Raw + "]")); ok {
				out = append(out, textOrStructured(text))
			}
		}
		return out
	}
	text, _ := contentText(v)
	if text == "" {
		return nil
	}
	return []ToolContent{textOrStructured(text)}
}

// nativeImage recognises vendor-native image blocks (Anthropic, Bedrock, OpenAI data URLs).
func nativeImage(b gjson.Result) (ImageContent, bool) {
	if src := b.Get("source"); b.Get("type").String() == "image" && src.Get("type").String() == "base64" {
		data, _ := base64.StdEncoding.DecodeString(src.Get("data").String())
		return ImageContent{Data: data, MimeType: src.Get("media_type").String()}, true
	}
	if img := b.Get("image"); img.IsObject() && img.Get("source.bytes").Exists() {
		data, _ := base64.StdEncoding.DecodeString(img.Get("source.bytes").String())
		return ImageContent{Data: data, MimeType: "image/" + img.Get("format").String()}, true
	}
	if url := b.Get("image_url.url").String(); strings.HasPrefix(url, "data:") {
		meta, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
		if ok {
			data, _ := base64.StdEncoding.DecodeString(payload)
			return ImageContent{Data: data, MimeType: strings.TrimSuffix(meta, ";base64")}, true
		}
	}
	return ImageContent{}, false
}

func textOrStructured(text string) ToolContent {
	if isJSONContainer(text) {
		return StructuredContent{JSON: json.RawMessage(strings.TrimSpace(text))}
	}
	return TextContent{Text: text}
}

// isJSONContainer reports whether s is a valid JSON object or array.
func isJSONContainer(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return gjson.Valid(s)
}

// =============================================================================
// PLACEHOLDERS
// =============================================================================

// BlockedContentMarker replaces tool results discarded by policy.
const BlockedContentMarker = "[Content blocked by tool result policy]"

// StaleBrowserPlaceholder replaces superseded browser automation results.
const StaleBrowserPlaceholder = "[Browser result removed: superseded by a later browser result]"

func unsupportedImagePlaceholder(img universalImage) string {
	return fmt.Sprintf("[Image omitted: model does not support image input (%s, %s)]",
		img.MimeType, humanize.Bytes(uint64(img.size())))
}

func oversizedImagePlaceholder(img universalImage, limit int) string {
	return fmt.Sprintf("[Image omitted: %s exceeds the %s limit (%s)]",
		humanize.Bytes(uint64(img.size())), humanize.Bytes(uint64(limit)), img.MimeType)
}

// blockRenderer renders text and image blocks in a vendor's content shape.
type blockRenderer interface {
	textBlock(text string) any
	// imageBlock returns nil when the vendor cannot carry images in tool results.
	imageBlock(img universalImage) any
}

// convertBlocks rewrites universal image blocks of a content value.
// Non-image blocks are kept byte-for-byte. Returns changed=false when there is
// nothing to convert.
func convertBlocks(v gjson.Result, r blockRenderer, supportsImages bool, maxBytes int) ([]any, bool) {
	if !hasUniversalImage(v) {
		return nil, false
	}
	blocks, _ := contentBlocks(v)
	out := make([]any, 0, len(blocks))
	for _, b := range blocks {
		img, ok := asUniversalImage(b)
		if !ok {
			out = append(out, json.RawMessage(b.Raw))
			continue
		}
		switch {
		case maxBytes > 0 && img.size() > maxBytes:
			out = append(out, r.textBlock(oversizedImagePlaceholder(img, maxBytes)))
		case !supportsImages:
			out = append(out, r.textBlock(unsupportedImagePlaceholder(img)))
		default:
			if block := r.imageBlock(img); block != nil {
				out = append(out, block)
			} else {
				out = append(out, r.textBlock(unsupportedImagePlaceholder(img)))
			}
		}
	}
	return out, true
}

func imageFormat(mime string) string {
	f := strings.TrimPrefix(strings.ToLower(mime), "image/")
	if f == "jpg" {
		return "jpeg"
	}
	return f
}

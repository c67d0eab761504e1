// Package tokenizer counts tokens for compression statistics.
//
// DESIGN: Encodings are resolved per model through tiktoken and memoized in
// a bounded cache. Models tiktoken does not know use cl100k_base. When no
// encoding can be loaded (the BPE files are fetched on first use), counts
// fall back to a four-bytes-per-token estimate so requests never fail on
// tokenization.
package tokenizer

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/agent-gateway/internal/adapters"
)

const (
	// FallbackEncoding is used for models tiktoken cannot map.
	FallbackEncoding = "cl100k_base"

	// Chat framing overhead, from OpenAI's message token accounting.
	tokensPerMessage = 3
	tokensPerReply   = 3

	defaultCacheSize = 256
)

// Encoder is the part of a tiktoken encoding the counter needs.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Loader resolves an encoder for a model name.
type Loader func(model string) (Encoder, error)

// TiktokenLoader maps model to its encoding, falling back to cl100k_base.
func TiktokenLoader(model string) (Encoder, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(FallbackEncoding)
}

// Factory hands out tokenizers per provider/model. Safe for concurrent use.
type Factory struct {
	load  Loader
	cache *lru.Cache[string, adapters.Tokenizer]

	// warnOnce keeps an offline gateway from logging on every model.
	warnOnce sync.Once
}

// New creates a factory backed by tiktoken. size bounds the number of
// cached encoders; 0 uses a default.
func New(size int) *Factory {
	return NewWithLoader(size, TiktokenLoader)
}

// NewWithLoader creates a factory with a custom encoder loader.
func NewWithLoader(size int, load Loader) *Factory {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[string, adapters.Tokenizer](size)
	return &Factory{load: load, cache: cache}
}

// ForModel implements adapters.TokenizerFactory.
func (f *Factory) ForModel(provider adapters.Provider, model string) adapters.Tokenizer {
	key := normalizeModel(model)
	if t, ok := f.cache.Get(key); ok {
		return t
	}
	var t adapters.Tokenizer
	enc, err := f.load(key)
	if err != nil || enc == nil {
		f.warnOnce.Do(func() {
			log.Warn().Err(err).Str("provider", string(provider)).Str("model", model).
				Msg("tokenizer: encoding unavailable, estimating tokens from byte length")
		})
		t = Estimate{}
	} else {
		t = &Counter{enc: enc}
	}
	f.cache.Add(key, t)
	return t
}

// normalizeModel strips vendor prefixes such as "openai/" or Bedrock's
// "us.anthropic." so tiktoken sees the bare model name.
func normalizeModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	return m
}

// Counter counts chat tokens with a tiktoken encoding.
type Counter struct {
	enc Encoder
}

// NewCounter wraps an encoder.
func NewCounter(enc Encoder) *Counter { return &Counter{enc: enc} }

// CountTokens implements adapters.Tokenizer.
func (c *Counter) CountTokens(messages []adapters.TokenizerMessage) int {
	n := 0
	for _, m := range messages {
		n += tokensPerMessage
		n += len(c.enc.Encode(m.Role, nil, nil))
		n += len(c.enc.Encode(m.Content, nil, nil))
	}
	return n + tokensPerReply
}

// Estimate counts four bytes per token.
type Estimate struct{}

// CountTokens implements adapters.Tokenizer.
func (Estimate) CountTokens(messages []adapters.TokenizerMessage) int {
	n := 0
	for _, m := range messages {
		n += (len(m.Content) + 3) / 4
	}
	return n
}

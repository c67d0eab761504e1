// Package pricing looks up per-model token prices.
//
// DESIGN: Prices live in an immutable snapshot swapped atomically on
// Update, so lookups never lock. Entries match by exact model name first,
// then by longest prefix ("claude-sonnet-4" covers dated releases).
// Resolved lookups are memoized in a TTL'd LRU that Update purges.
package pricing

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Price is USD per million tokens.
type Price struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// DefaultPrices covers common models. Configuration overrides or extends it.
var DefaultPrices = map[string]Price{
	"gpt-4o":            {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
	"gpt-4.1":           {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":      {Input: 0.40, Output: 1.60},
	"gpt-5":             {Input: 1.25, Output: 10.00},
	"o3":                {Input: 2.00, Output: 8.00},
	"o4-mini":           {Input: 1.10, Output: 4.40},
	"claude-opus-4":     {Input: 15.00, Output: 75.00},
	"claude-sonnet-4":   {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.00},
	"claude-haiku-4":    {Input: 1.00, Output: 5.00},
	"gemini-2.5-pro":    {Input: 1.25, Output: 10.00},
	"gemini-2.5-flash":  {Input: 0.30, Output: 2.50},
	"gemini-2.0-flash":  {Input: 0.10, Output: 0.40},
	"mistral-large":     {Input: 2.00, Output: 6.00},
	"mistral-small":     {Input: 0.10, Output: 0.30},
	"command-r-plus":    {Input: 2.50, Output: 10.00},
	"command-r":         {Input: 0.15, Output: 0.60},
	"command-a":         {Input: 2.50, Output: 10.00},
	"glm-4":             {Input: 0.60, Output: 2.20},
	"llama3.1-8b":       {Input: 0.10, Output: 0.10},
	"anthropic.claude-": {Input: 3.00, Output: 15.00},
}

const (
	defaultMemoSize = 1024
	defaultMemoTTL  = 10 * time.Minute
)

type snapshot struct {
	exact    map[string]Price
	prefixes []string // longest first
}

type memoEntry struct {
	price Price
	ok    bool
}

// Table resolves model prices. Safe for concurrent use.
type Table struct {
	snap atomic.Pointer[snapshot]
	memo *expirable.LRU[string, memoEntry]
}

// New creates a table from DefaultPrices overlaid with overrides.
func New(overrides map[string]Price) *Table {
	t := &Table{memo: expirable.NewLRU[string, memoEntry](defaultMemoSize, nil, defaultMemoTTL)}
	t.Update(overrides)
	return t
}

// Update replaces the overrides layered on DefaultPrices.
func (t *Table) Update(overrides map[string]Price) {
	exact := make(map[string]Price, len(DefaultPrices)+len(overrides))
	for m, p := range DefaultPrices {
		exact[strings.ToLower(m)] = p
	}
	for m, p := range overrides {
		exact[strings.ToLower(m)] = p
	}
	prefixes := make([]string, 0, len(exact))
	for m := range exact {
		prefixes = append(prefixes, m)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	t.snap.Store(&snapshot{exact: exact, prefixes: prefixes})
	t.memo.Purge()
}

// Lookup returns the price for model.
func (t *Table) Lookup(model string) (Price, bool) {
	key := normalize(model)
	if e, ok := t.memo.Get(key); ok {
		return e.price, e.ok
	}
	p, ok := t.snap.Load().find(key)
	t.memo.Add(key, memoEntry{price: p, ok: ok})
	return p, ok
}

// InputPrice implements adapters.PriceLookup.
func (t *Table) InputPrice(model string) (float64, bool) {
	p, ok := t.Lookup(model)
	return p.Input, ok
}

// Cost returns the USD cost of a call. Unknown models cost 0.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}

func (s *snapshot) find(model string) (Price, bool) {
	if p, ok := s.exact[model]; ok {
		return p, true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(model, prefix) {
			return s.exact[prefix], true
		}
	}
	return Price{}, false
}

// normalize drops routing prefixes ("openai/", Bedrock's "us.") so lookups
// see the vendor model name.
func normalize(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, region := range []string{"us.", "eu.", "apac.", "global."} {
		if strings.HasPrefix(m, region) {
			return m[len(region):]
		}
	}
	return m
}

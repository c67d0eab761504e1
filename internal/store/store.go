// Package store persists one record per proxied interaction.
//
// DESIGN: The gateway writes a record exactly once, after the upstream
// response (or stream) is complete. Sinks are append-only; Recent serves
// the /stats endpoint and tests.
//
// Two sinks exist:
//   - MemorySink: bounded by TTL, for development and tests
//   - SQLiteSink: durable, single file, pure-Go driver
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by sinks after Close.
var ErrClosed = errors.New("store: sink is closed")

// DefaultTTL is how long MemorySink keeps records.
const DefaultTTL = 24 * time.Hour

// Interaction is one client request proxied to a vendor.
type Interaction struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Streaming  bool      `json:"streaming"`
	StatusCode int       `json:"status_code"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMs int64     `json:"duration_ms"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// Compression of tool results before forwarding.
	TokensBefore int     `json:"tokens_before"`
	TokensAfter  int     `json:"tokens_after"`
	CostSavings  float64 `json:"cost_savings"`

	// Policy outcomes.
	Sanitized      int  `json:"sanitized"`
	ResultsBlocked int  `json:"results_blocked"`
	CallsBlocked   int  `json:"calls_blocked"`
	Untrusted      bool `json:"untrusted"`

	Error string `json:"error,omitempty"`
}

// Sink stores interactions. Implementations are safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, in Interaction) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Interaction, error)
	Close() error
}

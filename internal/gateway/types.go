// Package gateway types - per-request state and shared constants.
//
// DESIGN: One exchange is created per proxied request and carries:
//   - Provider, spec and request adapter
//   - Trust state accumulated from the request's tool results
//   - The interaction record persisted when the request completes
package gateway

import (
	"time"

	"github.com/compresr/agent-gateway/internal/adapters"
	"github.com/compresr/agent-gateway/internal/policy"
	"github.com/compresr/agent-gateway/internal/store"
)

// Request headers understood by the gateway.
const (
	HeaderRequestID       = "X-Request-ID"
	HeaderExternalAgentID = "X-External-Agent-ID"
	HeaderTeamIDs         = "X-Team-IDs" // comma separated
)

// Response headers set by the gateway.
const (
	HeaderContextTrust = "X-Context-Trust" // "trusted" or "untrusted"
	HeaderPolicyBlock  = "X-Policy-Blocked"
)

// MaxRateLimitBuckets bounds the per-IP limiter's memory.
const MaxRateLimitBuckets = 10000

// statusClientClosed marks requests abandoned by the client. Never written
// to the wire; such requests are not persisted.
const statusClientClosed = 499

// maxUpstreamBody caps non-streaming vendor responses (50MB).
const maxUpstreamBody = 50 * 1024 * 1024

// exchange carries one proxied request through the handler.
type exchange struct {
	requestID string
	provider  adapters.Provider
	spec      adapters.ProviderSpec
	req       adapters.RequestAdapter
	caller    policy.CallerContext
	trust     *policy.TrustState

	userRequest string
	compression adapters.ToolCompressionStats
	record      store.Interaction
	receivedAt  time.Time

	// incomplete is set when the upstream stream broke off; such exchanges
	// are not persisted.
	incomplete bool
}

func newExchange(requestID string, provider adapters.Provider, spec adapters.ProviderSpec) *exchange {
	now := time.Now()
	return &exchange{
		requestID:  requestID,
		provider:   provider,
		spec:       spec,
		trust:      policy.NewTrustState(),
		receivedAt: now,
		record: store.Interaction{
			RequestID: requestID,
			Provider:  string(provider),
			CreatedAt: now,
		},
	}
}

// errorResponse is the JSON error body returned to clients.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Error types.
const (
	errTypeUpstream     = "upstream_error"
	errTypeInvalid      = "invalid_request_error"
	errTypeGateway      = "gateway_error"
	errTypeRateLimit    = "rate_limit_error"
	errTypeNotSupported = "not_found_error"
)

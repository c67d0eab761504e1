// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:    Request received from client
//   - LogOutgoing:    Request forwarded to provider
//   - LogResponse:    Response sent to client
//   - LogCompression: TOON compression outcome
//
// VerbosePayloads additionally logs request and response bodies.
package monitoring

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/compresr/agent-gateway/internal/adapters"
)

// maxLoggedPayload caps bodies logged in verbose mode.
const maxLoggedPayload = 4096

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger  *Logger
	verbose bool
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger, verbosePayloads bool) *RequestLogger {
	return &RequestLogger{logger: logger, verbose: verbosePayloads}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Str("remote", info.RemoteAddr).
		Str("size", humanize.Bytes(uint64(info.BodySize))).
		Msg("incoming")
}

// OutgoingRequestInfo contains outgoing request information.
type OutgoingRequestInfo struct {
	RequestID string
	Provider  string
	Model     string
	TargetURL string
	Streaming bool
	Body      []byte
}

// LogOutgoing logs an outgoing request.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	event := rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("provider", info.Provider).
		Str("model", info.Model).
		Str("target", info.TargetURL).
		Bool("stream", info.Streaming).
		Str("size", humanize.Bytes(uint64(len(info.Body))))
	if rl.verbose {
		event = event.Str("body", truncatePayload(info.Body))
	}
	event.Msg("outgoing")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
	Usage      *adapters.Usage
	Body       []byte
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	event := rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency)
	if info.Usage != nil {
		event = event.Int("input_tokens", info.Usage.InputTokens).
			Int("output_tokens", info.Usage.OutputTokens)
	}
	if rl.verbose && len(info.Body) > 0 {
		event = event.Str("body", truncatePayload(info.Body))
	}
	event.Msg("response")
}

// LogCompression logs the outcome of a TOON compression pass.
func (rl *RequestLogger) LogCompression(requestID, model string, stats adapters.ToolCompressionStats) {
	if !stats.HadToolResults {
		return
	}
	rl.logger.Debug().
		Str("request_id", requestID).
		Str("model", model).
		Int("tokens_before", stats.TokensBefore).
		Int("tokens_after", stats.TokensAfter).
		Float64("cost_savings", stats.CostSavings).
		Bool("effective", stats.WasEffective).
		Msg("compression")
}

func truncatePayload(b []byte) string {
	if len(b) <= maxLoggedPayload {
		return string(b)
	}
	return string(b[:maxLoggedPayload]) + "... (truncated)"
}

// Package monitoring - alerts.go flags anomalies worth an operator's look.
//
// DESIGN: Every alert is one log line whose message is the alert kind, plus
// a per-kind counter reported under "alerts" by GET /stats.
package monitoring

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHighLatencyThreshold applies when AlertConfig leaves it unset.
const DefaultHighLatencyThreshold = 5 * time.Second

// AlertKind names an alert; it is also the log message.
type AlertKind string

const (
	AlertHighLatency        AlertKind = "high_latency"
	AlertSanitizationFailed AlertKind = "sanitization_failed"
	AlertProviderError      AlertKind = "provider_error"
	AlertInvalidRequest     AlertKind = "invalid_request"
	AlertPanic              AlertKind = "panic_recovered"
	AlertUpstreamTimeout    AlertKind = "upstream_timeout"
)

// AlertManager flags anomalies. Safe for concurrent use.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration

	mu     sync.Mutex
	counts map[AlertKind]int64
}

// NewAlertManager creates an alert manager logging through logger.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold <= 0 {
		threshold = DefaultHighLatencyThreshold
	}
	return &AlertManager{
		logger:               logger,
		highLatencyThreshold: threshold,
		counts:               make(map[AlertKind]int64),
	}
}

// raise counts kind and starts its log event.
func (am *AlertManager) raise(level zerolog.Level, kind AlertKind, requestID string) *zerolog.Event {
	am.mu.Lock()
	am.counts[kind]++
	am.mu.Unlock()
	return am.logger.zl.WithLevel(level).Str("request_id", requestID)
}

// Counts returns how often each alert fired.
func (am *AlertManager) Counts() map[string]int64 {
	am.mu.Lock()
	defer am.mu.Unlock()
	out := make(map[string]int64, len(am.counts))
	for k, v := range am.counts {
		out[string(k)] = v
	}
	return out
}

// FlagHighLatency reports whether latency reached the threshold, logging it if so.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, provider, model string) bool {
	if latency < am.highLatencyThreshold {
		return false
	}
	am.raise(zerolog.WarnLevel, AlertHighLatency, requestID).
		Dur("latency", latency).
		Dur("threshold", am.highLatencyThreshold).
		Str("provider", provider).
		Str("model", model).
		Msg(string(AlertHighLatency))
	return true
}

// FlagSanitizationFailure records a tool result that was blocked because the
// dual-LLM sanitizer could not produce a summary.
func (am *AlertManager) FlagSanitizationFailure(requestID, toolName, toolCallID string, err error) {
	am.raise(zerolog.ErrorLevel, AlertSanitizationFailed, requestID).
		Str("tool", toolName).
		Str("tool_call_id", toolCallID).
		Err(err).
		Msg(string(AlertSanitizationFailed))
}

// FlagProviderError records a non-2xx vendor response.
func (am *AlertManager) FlagProviderError(requestID, provider string, statusCode int, errorMsg string) {
	level := zerolog.WarnLevel
	if statusCode >= 500 {
		level = zerolog.ErrorLevel
	}
	am.raise(level, AlertProviderError, requestID).
		Str("provider", provider).
		Int("status", statusCode).
		Str("error", errorMsg).
		Msg(string(AlertProviderError))
}

// FlagInvalidRequest records a request the gateway rejected.
func (am *AlertManager) FlagInvalidRequest(requestID, reason string) {
	am.raise(zerolog.DebugLevel, AlertInvalidRequest, requestID).
		Str("reason", reason).
		Msg(string(AlertInvalidRequest))
}

// FlagPanic records a recovered handler panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue any, stack string) {
	am.raise(zerolog.ErrorLevel, AlertPanic, requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg(string(AlertPanic))
}

// FlagUpstreamTimeout records a vendor call that hit its client timeout.
func (am *AlertManager) FlagUpstreamTimeout(requestID, provider string, timeout time.Duration) {
	am.raise(zerolog.ErrorLevel, AlertUpstreamTimeout, requestID).
		Str("provider", provider).
		Dur("timeout", timeout).
		Msg(string(AlertUpstreamTimeout))
}

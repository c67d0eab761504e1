// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics, served
// as JSON by GET /stats:
//   - requests/successes/streams: Proxied request counts
//   - upstream_errors:            Non-2xx vendor responses and transport failures
//   - compressions/tokens_saved:  Effective TOON compressions
//   - calls_blocked/results_blocked/sanitizations: Policy outcomes
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests       atomic.Int64
	successes      atomic.Int64
	streams        atomic.Int64
	upstreamErrors atomic.Int64

	compressions     atomic.Int64
	tokensSaved      atomic.Int64
	costSavingsMicro atomic.Int64 // USD * 1e6

	callsBlocked         atomic.Int64
	resultsBlocked       atomic.Int64
	sanitizations        atomic.Int64
	sanitizationFailures atomic.Int64

	latencyTotalMs atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records a completed proxied request.
func (mc *MetricsCollector) RecordRequest(success, streaming bool, latency time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
	if streaming {
		mc.streams.Add(1)
	}
	mc.latencyTotalMs.Add(latency.Milliseconds())
}

// RecordUpstreamError records a failed vendor call.
func (mc *MetricsCollector) RecordUpstreamError() { mc.upstreamErrors.Add(1) }

// RecordCompression records a TOON compression pass. Only effective passes count.
func (mc *MetricsCollector) RecordCompression(tokensBefore, tokensAfter int, costSavings float64) {
	if tokensAfter >= tokensBefore {
		return
	}
	mc.compressions.Add(1)
	mc.tokensSaved.Add(int64(tokensBefore - tokensAfter))
	mc.costSavingsMicro.Add(int64(costSavings * 1e6))
}

// RecordCallBlocked records a tool invocation denied by policy.
func (mc *MetricsCollector) RecordCallBlocked() { mc.callsBlocked.Add(1) }

// RecordResultBlocked records a tool result replaced by the blocked marker.
func (mc *MetricsCollector) RecordResultBlocked() { mc.resultsBlocked.Add(1) }

// RecordSanitization records a dual-LLM sanitization attempt.
func (mc *MetricsCollector) RecordSanitization(ok bool) {
	if ok {
		mc.sanitizations.Add(1)
		return
	}
	mc.sanitizationFailures.Add(1)
}

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":               mc.requests.Load(),
		"successes":              mc.successes.Load(),
		"streams":                mc.streams.Load(),
		"upstream_errors":        mc.upstreamErrors.Load(),
		"compressions":           mc.compressions.Load(),
		"tokens_saved":           mc.tokensSaved.Load(),
		"cost_savings_micro_usd": mc.costSavingsMicro.Load(),
		"calls_blocked":          mc.callsBlocked.Load(),
		"results_blocked":        mc.resultsBlocked.Load(),
		"sanitizations":          mc.sanitizations.Load(),
		"sanitization_failures":  mc.sanitizationFailures.Load(),
		"latency_total_ms":       mc.latencyTotalMs.Load(),
	}
}

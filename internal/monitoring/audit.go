// Package monitoring - audit.go records policy decisions.
package monitoring

import (
	"context"

	"github.com/compresr/agent-gateway/internal/policy"
)

// PolicyAuditor logs policy events and feeds the metrics collector.
type PolicyAuditor struct {
	logger  *Logger
	metrics *MetricsCollector
	alerts  *AlertManager
}

var _ policy.Auditor = (*PolicyAuditor)(nil)

// NewPolicyAuditor creates an auditor. alerts may be nil.
func NewPolicyAuditor(logger *Logger, metrics *MetricsCollector, alerts *AlertManager) *PolicyAuditor {
	return &PolicyAuditor{logger: logger, metrics: metrics, alerts: alerts}
}

// RecordPolicyEvent implements policy.Auditor.
func (a *PolicyAuditor) RecordPolicyEvent(ctx context.Context, ev policy.Event) {
	requestID := RequestIDFromContext(ctx)
	sanitizing := ev.Action == string(policy.SanitizeDualLLM)

	switch {
	case ev.Kind == "invocation" && ev.Blocked:
		a.metrics.RecordCallBlocked()
	case ev.Kind == "result" && sanitizing:
		a.metrics.RecordSanitization(!ev.Blocked)
		if ev.Blocked {
			a.metrics.RecordResultBlocked()
			if a.alerts != nil {
				a.alerts.FlagSanitizationFailure(requestID, ev.ToolName, ev.ToolID, errString(ev.Reason))
			}
		}
	case ev.Kind == "result" && ev.Blocked:
		a.metrics.RecordResultBlocked()
	}

	event := a.logger.Info()
	if ev.Blocked {
		event = a.logger.Warn()
	}
	event.
		Str("request_id", requestID).
		Str("kind", ev.Kind).
		Str("tool", ev.ToolName).
		Str("tool_call_id", ev.ToolID).
		Str("policy", ev.PolicyID).
		Str("action", ev.Action).
		Bool("blocked", ev.Blocked).
		Str("reason", ev.Reason).
		Msg("policy_decision")
}

type errString string

func (e errString) Error() string { return string(e) }

package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/compresr/agent-gateway/internal/adapters"
)

// ErrNoSanitizer is returned when a result policy asks for dual-LLM
// sanitization but the evaluator has no sanitizer.
var ErrNoSanitizer = errors.New("no dual-llm sanitizer configured")

// Sanitizer turns untrusted tool output into a safe summary.
type Sanitizer interface {
	SanitizeToolResult(ctx context.Context, toolName, userRequest, data string) (string, error)
}

// Auditor receives every blocking or content-changing decision.
type Auditor interface {
	RecordPolicyEvent(ctx context.Context, ev Event)
}

// Event describes one policy decision worth auditing.
type Event struct {
	Kind     string // "invocation" or "result"
	ToolName string
	ToolID   string // tool call id
	PolicyID string
	Action   string
	Blocked  bool
	Reason   string
}

// EvaluatorConfig wires the evaluator's collaborators. Every field is optional.
type EvaluatorConfig struct {
	Teams     *TeamCache
	Sanitizer Sanitizer
	Auditor   Auditor

	// SummaryCacheSize bounds the memo of sanitized summaries; 0 disables it.
	SummaryCacheSize int
	SummaryCacheTTL  time.Duration
}

// Evaluator resolves and applies tool policies. Safe for concurrent use.
type Evaluator struct {
	store     Store
	teams     *TeamCache
	sanitizer Sanitizer
	auditor   Auditor
	summaries *expirable.LRU[string, string]
}

// NewEvaluator creates an evaluator over store.
func NewEvaluator(store Store, cfg EvaluatorConfig) *Evaluator {
	e := &Evaluator{
		store:     store,
		teams:     cfg.Teams,
		sanitizer: cfg.Sanitizer,
		auditor:   cfg.Auditor,
	}
	if cfg.SummaryCacheSize > 0 {
		ttl := cfg.SummaryCacheTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		e.summaries = expirable.NewLRU[string, string](cfg.SummaryCacheSize, nil, ttl)
	}
	return e
}

// =============================================================================
// INVOCATIONS
// =============================================================================

// Invocation is a complete tool call awaiting a decision.
type Invocation struct {
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	Caller     CallerContext
}

// InvocationDecision is the outcome for one tool call.
type InvocationDecision struct {
	Invocation Invocation
	Action     InvocationAction
	PolicyID   string // empty when the system default applied
	Blocked    bool
	Reason     string
}

// RefusalMessage is the assistant text sent back instead of a blocked call.
func (d InvocationDecision) RefusalMessage() string {
	args, err := json.Marshal(d.Invocation.Arguments)
	if err != nil || d.Invocation.Arguments == nil {
		args = []byte(`{}`)
	}
	return fmt.Sprintf("I tried to invoke the %s tool with the following arguments: %s.\n\nHowever, I was denied by a tool invocation policy: %s",
		d.Invocation.ToolName, args, d.Reason)
}

// EvaluateInvocation decides whether inv may run given the current trust state.
func (e *Evaluator) EvaluateInvocation(ctx context.Context, trust *TrustState, inv Invocation) InvocationDecision {
	inv.Caller = e.caller(ctx, inv.Caller)
	subj := invocationSubject(inv.Arguments, inv.Caller)

	d := InvocationDecision{Invocation: inv, Action: DefaultInvocationAction}
	if p, ok := resolvePolicy(e.store.Policies(inv.ToolName).Invocation, subj); ok {
		d.Action = InvocationAction(p.Action)
		d.PolicyID = p.ID
	}

	switch {
	case d.Action == BlockAlways:
		d.Blocked = true
		d.Reason = fmt.Sprintf("tool %s is always blocked", inv.ToolName)
	case d.Action == BlockWhenUntrusted && trust.IsUntrusted():
		d.Blocked = true
		d.Reason = fmt.Sprintf("tool %s cannot be invoked while untrusted data is in context", inv.ToolName)
		if r := trust.Reason(); r != "" {
			d.Reason += " (" + r + ")"
		}
	}

	if d.Blocked {
		log.Info().
			Str("tool", inv.ToolName).
			Str("tool_call_id", inv.ToolCallID).
			Str("policy", d.PolicyID).
			Str("action", string(d.Action)).
			Str("reason", d.Reason).
			Msg("policy: tool invocation blocked")
		e.audit(ctx, Event{
			Kind: "invocation", ToolName: inv.ToolName, ToolID: inv.ToolCallID,
			PolicyID: d.PolicyID, Action: string(d.Action), Blocked: true, Reason: d.Reason,
		})
	}
	return d
}

// =============================================================================
// RESULTS
// =============================================================================

// ToolResult is a tool output about to be shown to the model.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Content    string
	// UserRequest is the latest user message, given to the sanitizer's main agent.
	UserRequest string
	Caller      CallerContext
}

// ResultDecision is the outcome for one tool result.
type ResultDecision struct {
	Action   ResultAction
	PolicyID string
	// Content is the text to forward; equal to the input unless Modified.
	Content   string
	Modified  bool
	Sanitized bool
	Blocked   bool
	// Err is set when sanitization failed and the result was blocked instead.
	Err error
}

// EvaluateResult resolves the result policy for res and applies it.
func (e *Evaluator) EvaluateResult(ctx context.Context, trust *TrustState, res ToolResult) ResultDecision {
	res.Caller = e.caller(ctx, res.Caller)
	subj := resultSubject(res.Content, res.Caller)

	d := ResultDecision{Action: DefaultResultAction, Content: res.Content}
	if p, ok := resolvePolicy(e.store.Policies(res.ToolName).Result, subj); ok {
		d.Action = ResultAction(p.Action)
		d.PolicyID = p.ID
	}

	switch d.Action {
	case MarkTrusted:
	case MarkUntrusted:
		trust.MarkUntrusted(fmt.Sprintf("result of %s is untrusted", res.ToolName))
	case SanitizeDualLLM:
		summary, err := e.sanitize(ctx, res)
		if err != nil {
			log.Warn().Err(err).
				Str("tool", res.ToolName).
				Str("tool_call_id", res.ToolCallID).
				Msg("policy: sanitization failed, blocking result")
			trust.MarkUntrusted(fmt.Sprintf("sanitization of %s failed", res.ToolName))
			d.Content, d.Modified, d.Blocked, d.Err = adapters.BlockedContentMarker, true, true, err
			e.audit(ctx, Event{
				Kind: "result", ToolName: res.ToolName, ToolID: res.ToolCallID,
				PolicyID: d.PolicyID, Action: string(d.Action), Blocked: true, Reason: err.Error(),
			})
			break
		}
		d.Content, d.Modified, d.Sanitized = summary, true, true
		e.audit(ctx, Event{
			Kind: "result", ToolName: res.ToolName, ToolID: res.ToolCallID,
			PolicyID: d.PolicyID, Action: string(d.Action),
		})
	case BlockResult:
		d.Content, d.Modified, d.Blocked = adapters.BlockedContentMarker, true, true
		log.Info().
			Str("tool", res.ToolName).
			Str("tool_call_id", res.ToolCallID).
			Str("policy", d.PolicyID).
			Msg("policy: tool result blocked")
		e.audit(ctx, Event{
			Kind: "result", ToolName: res.ToolName, ToolID: res.ToolCallID,
			PolicyID: d.PolicyID, Action: string(d.Action), Blocked: true,
			Reason: fmt.Sprintf("result of %s is always blocked", res.ToolName),
		})
	}
	return d
}

func (e *Evaluator) sanitize(ctx context.Context, res ToolResult) (string, error) {
	if e.sanitizer == nil {
		return "", ErrNoSanitizer
	}
	var key string
	if e.summaries != nil {
		sum := sha256.Sum256([]byte(res.ToolName + "\x00" + res.UserRequest + "\x00" + res.Content))
		key = hex.EncodeToString(sum[:])
		if s, ok := e.summaries.Get(key); ok {
			return s, nil
		}
	}
	summary, err := e.sanitizer.SanitizeToolResult(ctx, res.ToolName, res.UserRequest, res.Content)
	if err != nil {
		return "", err
	}
	if e.summaries != nil {
		e.summaries.Add(key, summary)
	}
	return summary, nil
}

// caller fills in team ids from the team cache when the request carried none.
func (e *Evaluator) caller(ctx context.Context, c CallerContext) CallerContext {
	if e.teams == nil || len(c.TeamIDs) > 0 || c.ExternalAgentID == "" {
		return c
	}
	ids, err := e.teams.Resolve(ctx, c.ExternalAgentID)
	if err != nil {
		log.Warn().Err(err).Str("external_agent_id", c.ExternalAgentID).Msg("policy: team lookup failed")
		return c
	}
	c.TeamIDs = ids
	return c
}

func (e *Evaluator) audit(ctx context.Context, ev Event) {
	if e.auditor != nil {
		e.auditor.RecordPolicyEvent(ctx, ev)
	}
}

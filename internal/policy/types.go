// Package policy decides what happens to tool invocations and tool results.
//
// DESIGN: Policies are read-only configuration keyed by tool id. Each tool
// has ordered invocation policies and ordered result policies; a policy with
// no conditions is the tool's default. The evaluator resolves one action per
// invocation or result and applies it against a per-turn TrustState.
//
// FILES:
//   - types.go:     Actions, Policy, Condition, caller context
//   - store.go:     Store interface, YAML-backed store
//   - matcher.go:   Condition paths, wildcards, operators
//   - evaluator.go: Resolution and application of actions
//   - trust.go:     Per-turn trust flag
//   - teams.go:     TTL'd team id cache
package policy

import (
	"fmt"
	"strings"
)

// InvocationAction is the outcome configured for a tool call.
type InvocationAction string

const (
	AllowWhenUntrusted InvocationAction = "allow_when_context_is_untrusted"
	BlockWhenUntrusted InvocationAction = "block_when_context_is_untrusted"
	BlockAlways        InvocationAction = "block_always"
)

// DefaultInvocationAction applies when a tool has no matching invocation policy.
const DefaultInvocationAction = AllowWhenUntrusted

func (a InvocationAction) valid() bool {
	switch a {
	case AllowWhenUntrusted, BlockWhenUntrusted, BlockAlways:
		return true
	}
	return false
}

// ResultAction is the outcome configured for a tool result.
type ResultAction string

const (
	MarkTrusted     ResultAction = "mark_as_trusted"
	MarkUntrusted   ResultAction = "mark_as_untrusted"
	SanitizeDualLLM ResultAction = "sanitize_with_dual_llm"
	BlockResult     ResultAction = "block_always"
)

// DefaultResultAction applies when a tool has no matching result policy.
const DefaultResultAction = MarkUntrusted

func (a ResultAction) valid() bool {
	switch a {
	case MarkTrusted, MarkUntrusted, SanitizeDualLLM, BlockResult:
		return true
	}
	return false
}

// Operator compares a resolved value with a condition value.
type Operator string

const (
	OpEqual       Operator = "equal"
	OpNotEqual    Operator = "notEqual"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
)

func (o Operator) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpContains, OpNotContains:
		return true
	}
	return false
}

// negated operators need every wildcard element to satisfy them.
func (o Operator) negated() bool {
	return o == OpNotEqual || o == OpNotContains
}

// Condition tests one attribute of an invocation or a result.
//
// Key is a dotted path ("items[0].id", "items.*.name") into the arguments or
// result content, or one of the caller keys ContextExternalAgentID and
// ContextTeamIDs.
type Condition struct {
	Key           string   `yaml:"key" json:"key"`
	Operator      Operator `yaml:"operator" json:"operator"`
	Value         string   `yaml:"value" json:"value"`
	CaseSensitive bool     `yaml:"caseSensitive" json:"caseSensitive"`
}

// Caller keys matched against request metadata instead of the payload.
const (
	ContextExternalAgentID = "context.externalAgentId"
	ContextTeamIDs         = "context.teamIds"
)

// Policy is one invocation or result rule for a tool.
// Action holds an InvocationAction or a ResultAction depending on the list it sits in.
type Policy struct {
	ID         string      `yaml:"id" json:"id"`
	ToolID     string      `yaml:"-" json:"tool_id"`
	Conditions []Condition `yaml:"conditions" json:"conditions,omitempty"`
	Action     string      `yaml:"action" json:"action"`
}

// IsDefault reports whether the policy has no conditions.
func (p Policy) IsDefault() bool {
	return len(p.Conditions) == 0
}

// ToolPolicies groups the ordered policies of one tool.
type ToolPolicies struct {
	Invocation []Policy `yaml:"invocation"`
	Result     []Policy `yaml:"result"`
}

// Validate checks actions, operators and keys, and fills missing policy ids.
func (tp *ToolPolicies) Validate(toolID string) error {
	for i := range tp.Invocation {
		p := &tp.Invocation[i]
		if !InvocationAction(p.Action).valid() {
			return fmt.Errorf("tool %q invocation policy %d: invalid action %q", toolID, i, p.Action)
		}
		if err := p.prepare(toolID, "invocation", i); err != nil {
			return err
		}
	}
	for i := range tp.Result {
		p := &tp.Result[i]
		if !ResultAction(p.Action).valid() {
			return fmt.Errorf("tool %q result policy %d: invalid action %q", toolID, i, p.Action)
		}
		if err := p.prepare(toolID, "result", i); err != nil {
			return err
		}
	}
	return nil
}

func (p *Policy) prepare(toolID, kind string, i int) error {
	p.ToolID = toolID
	if p.ID == "" {
		p.ID = fmt.Sprintf("%s/%s/%d", toolID, kind, i)
	}
	for j, c := range p.Conditions {
		if strings.TrimSpace(c.Key) == "" {
			return fmt.Errorf("policy %s condition %d: key is required", p.ID, j)
		}
		if !c.Operator.valid() {
			return fmt.Errorf("policy %s condition %d: invalid operator %q", p.ID, j, c.Operator)
		}
	}
	return nil
}

// CallerContext is the request metadata conditions may match on.
type CallerContext struct {
	ExternalAgentID string
	TeamIDs         []string
}

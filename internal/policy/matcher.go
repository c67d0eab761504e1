// Condition matching.
//
// Paths are dotted, with bracket or dotted indices ("items[0].id" and
// "items.0.id" are the same) and "*" as an array wildcard. Without a
// wildcard a path resolves to at most one value; with one, to every element
// it reaches. equal/contains need one element to match, notEqual/notContains
// need all of them to. A missing value never satisfies equal/contains and
// always satisfies notEqual/notContains.
package policy

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var bracketIndex = regexp.MustCompile(`\[(\d+|\*)\]`)

// splitPath normalizes "a[0].b[*]" to ["a", "0", "b", "*"].
func splitPath(key string) []string {
	key = bracketIndex.ReplaceAllString(key, ".$1")
	var out []string
	for _, seg := range strings.Split(key, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// resolve walks path over v. wildcard reports whether "*" was crossed.
func resolve(v gjson.Result, path []string) (values []gjson.Result, wildcard bool) {
	cur := []gjson.Result{v}
	for _, seg := range path {
		var next []gjson.Result
		for _, c := range cur {
			if seg == "*" {
				wildcard = true
				if c.IsArray() {
					next = append(next, c.Array()...)
				}
				continue
			}
			if child, ok := childOf(c, seg); ok {
				next = append(next, child)
			}
		}
		cur = next
		if len(cur) == 0 {
			break
		}
	}
	return cur, wildcard
}

func childOf(v gjson.Result, seg string) (gjson.Result, bool) {
	switch {
	case v.IsArray():
		i, err := strconv.Atoi(seg)
		if err != nil {
			return gjson.Result{}, false
		}
		arr := v.Array()
		if i < 0 || i >= len(arr) {
			return gjson.Result{}, false
		}
		return arr[i], true
	case v.IsObject():
		var found gjson.Result
		ok := false
		v.ForEach(func(k, val gjson.Result) bool {
			if k.String() == seg {
				found, ok = val, true
				return false
			}
			return true
		})
		return found, ok
	}
	return gjson.Result{}, false
}

// valueString renders a JSON value for comparison: strings unquoted,
// everything else in its raw JSON form.
func valueString(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	return v.Raw
}

func compare(op Operator, got, want string, caseSensitive bool) bool {
	if !caseSensitive {
		got, want = strings.ToLower(got), strings.ToLower(want)
	}
	switch op {
	case OpEqual:
		return got == want
	case OpNotEqual:
		return got != want
	case OpContains:
		return strings.Contains(got, want)
	case OpNotContains:
		return !strings.Contains(got, want)
	}
	return false
}

// matchValues applies the operator across resolved values.
func matchValues(c Condition, values []string, wildcard bool) bool {
	if len(values) == 0 {
		return c.Operator.negated()
	}
	if !wildcard {
		return compare(c.Operator, values[0], c.Value, c.CaseSensitive)
	}
	for _, v := range values {
		ok := compare(c.Operator, v, c.Value, c.CaseSensitive)
		if c.Operator.negated() && !ok {
			return false
		}
		if !c.Operator.negated() && ok {
			return true
		}
	}
	return c.Operator.negated()
}

// subject is what conditions are evaluated against.
type subject struct {
	payload gjson.Result
	caller  CallerContext
}

// invocationSubject wraps decoded tool call arguments.
func invocationSubject(args map[string]any, caller CallerContext) subject {
	raw, err := json.Marshal(args)
	if err != nil || args == nil {
		raw = []byte(`{}`)
	}
	return subject{payload: gjson.ParseBytes(raw), caller: caller}
}

// resultSubject wraps tool result text. Text that is not a JSON object or
// array is exposed as a single string at key "content".
func resultSubject(content string, caller CallerContext) subject {
	trimmed := strings.TrimSpace(content)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && gjson.Valid(trimmed) {
		return subject{payload: gjson.Parse(trimmed), caller: caller}
	}
	wrapped, _ := json.Marshal(map[string]string{"content": content})
	return subject{payload: gjson.ParseBytes(wrapped), caller: caller}
}

func (s subject) matches(c Condition) bool {
	switch c.Key {
	case ContextExternalAgentID:
		var values []string
		if s.caller.ExternalAgentID != "" {
			values = []string{s.caller.ExternalAgentID}
		}
		return matchValues(c, values, false)
	case ContextTeamIDs:
		return matchValues(c, s.caller.TeamIDs, true)
	}

	resolved, wildcard := resolve(s.payload, splitPath(c.Key))
	values := make([]string, 0, len(resolved))
	for _, v := range resolved {
		values = append(values, valueString(v))
	}
	return matchValues(c, values, wildcard)
}

// matchesAll reports whether every condition of p holds.
func (s subject) matchesAll(p Policy) bool {
	for _, c := range p.Conditions {
		if !s.matches(c) {
			return false
		}
	}
	return true
}

// resolvePolicy picks the first conditional policy, in list order, whose
// conditions all hold, else the first default policy.
func resolvePolicy(policies []Policy, s subject) (Policy, bool) {
	for _, p := range policies {
		if !p.IsDefault() && s.matchesAll(p) {
			return p, true
		}
	}
	for _, p := range policies {
		if p.IsDefault() {
			return p, true
		}
	}
	return Policy{}, false
}

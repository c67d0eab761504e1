package policy

import "sync/atomic"

// TrustState tracks whether untrusted data entered the context during a turn.
// It only ever moves from trusted to untrusted.
type TrustState struct {
	untrusted atomic.Bool
	reason    atomic.Pointer[string]
}

// NewTrustState returns a trusted state for a new turn.
func NewTrustState() *TrustState {
	return &TrustState{}
}

// MarkUntrusted flips the state. The first reason wins.
func (t *TrustState) MarkUntrusted(reason string) {
	if t.untrusted.CompareAndSwap(false, true) {
		t.reason.Store(&reason)
	}
}

// IsUntrusted reports whether untrusted data is in context.
func (t *TrustState) IsUntrusted() bool {
	return t.untrusted.Load()
}

// Reason returns why the state became untrusted, or "".
func (t *TrustState) Reason() string {
	if r := t.reason.Load(); r != nil {
		return *r
	}
	return ""
}

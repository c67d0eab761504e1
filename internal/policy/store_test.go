package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicies = `
tools:
  read_email:
    invocation:
      - action: block_when_context_is_untrusted
    result:
      - id: trusted-sender
        conditions:
          - key: from
            operator: contains
            value: "@example.com"
        action: mark_as_trusted
      - action: sanitize_with_dual_llm
  delete_repo:
    invocation:
      - action: block_always
`

func TestYAMLStore_Parse(t *testing.T) {
	s, err := NewYAMLStore([]byte(samplePolicies))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	tp := s.Policies("read_email")
	require.Len(t, tp.Invocation, 1)
	assert.Equal(t, "read_email/invocation/0", tp.Invocation[0].ID)
	require.Len(t, tp.Result, 2)
	assert.Equal(t, "trusted-sender", tp.Result[0].ID)
	assert.Equal(t, "read_email", tp.Result[0].ToolID)
	assert.Equal(t, OpContains, tp.Result[0].Conditions[0].Operator)

	assert.Empty(t, s.Policies("unknown").Invocation)
}

func TestYAMLStore_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad invocation action", "tools:\n  t:\n    invocation:\n      - action: mark_as_trusted\n"},
		{"bad result action", "tools:\n  t:\n    result:\n      - action: block_when_context_is_untrusted\n"},
		{"bad operator", "tools:\n  t:\n    result:\n      - action: mark_as_trusted\n        conditions:\n          - key: a\n            operator: like\n"},
		{"missing key", "tools:\n  t:\n    result:\n      - action: mark_as_trusted\n        conditions:\n          - operator: equal\n"},
		{"not yaml", "tools: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewYAMLStore([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestYAMLStore_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	s, err := LoadYAMLStore(path)
	require.NoError(t, err)
	assert.Equal(t, BlockAlways, InvocationAction(s.Policies("delete_repo").Invocation[0].Action))

	require.NoError(t, os.WriteFile(path, []byte("tools:\n  delete_repo:\n    invocation:\n      - action: allow_when_context_is_untrusted\n"), 0o600))
	require.NoError(t, s.Reload())
	assert.Equal(t, AllowWhenUntrusted, InvocationAction(s.Policies("delete_repo").Invocation[0].Action))
	assert.Equal(t, 1, s.Len())
}

func TestLoadYAMLStore_EmptyPath(t *testing.T) {
	s, err := LoadYAMLStore("")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

package policy

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Store gives read access to policies keyed by tool id.
// Nothing in the request path writes policies.
type Store interface {
	Policies(toolID string) ToolPolicies
}

// policyFile is the on-disk layout:
//
//	tools:
//	  read_email:
//	    invocation:
//	      - action: block_when_context_is_untrusted
//	    result:
//	      - id: trusted-sender
//	        conditions:
//	          - key: from
//	            operator: contains
//	            value: "@example.com"
//	        action: mark_as_trusted
//	      - action: sanitize_with_dual_llm
type policyFile struct {
	Tools map[string]ToolPolicies `yaml:"tools"`
}

// YAMLStore serves policies from a YAML document.
// Reload swaps the snapshot atomically so readers never lock.
type YAMLStore struct {
	tools atomic.Pointer[map[string]ToolPolicies]
	path  string
}

// NewYAMLStore parses policies from raw YAML.
func NewYAMLStore(data []byte) (*YAMLStore, error) {
	tools, err := parsePolicies(data)
	if err != nil {
		return nil, err
	}
	s := &YAMLStore{}
	s.tools.Store(&tools)
	return s, nil
}

// LoadYAMLStore reads policies from a file. An empty path yields an empty
// store, so every tool falls back to the system defaults.
func LoadYAMLStore(path string) (*YAMLStore, error) {
	if path == "" {
		return NewStaticStore(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file '%s': %w", path, err)
	}
	s, err := NewYAMLStore(data)
	if err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

// NewStaticStore serves a fixed policy map. Maps are validated; invalid
// entries make the store panic because they can only come from code.
func NewStaticStore(tools map[string]ToolPolicies) *YAMLStore {
	copied := make(map[string]ToolPolicies, len(tools))
	for id, tp := range tools {
		if err := tp.Validate(id); err != nil {
			panic(err)
		}
		copied[id] = tp
	}
	s := &YAMLStore{}
	s.tools.Store(&copied)
	return s
}

// Reload re-reads the file the store was loaded from.
func (s *YAMLStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file '%s': %w", s.path, err)
	}
	tools, err := parsePolicies(data)
	if err != nil {
		return err
	}
	s.tools.Store(&tools)
	return nil
}

// Policies returns the policies configured for toolID.
func (s *YAMLStore) Policies(toolID string) ToolPolicies {
	return (*s.tools.Load())[toolID]
}

// Len returns the number of tools with policies.
func (s *YAMLStore) Len() int {
	return len(*s.tools.Load())
}

func parsePolicies(data []byte) (map[string]ToolPolicies, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}
	tools := make(map[string]ToolPolicies, len(f.Tools))
	for id, tp := range f.Tools {
		if err := tp.Validate(id); err != nil {
			return nil, fmt.Errorf("invalid policies: %w", err)
		}
		tools[id] = tp
	}
	return tools, nil
}

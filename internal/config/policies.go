package config

import (
	"fmt"
	"os"
	"time"

	"github.com/compresr/agent-gateway/external"
)

// PoliciesConfig points at the tool policy file.
type PoliciesConfig struct {
	// Path to the YAML policy file. Empty means every tool uses the
	// system defaults.
	Path string `yaml:"path"`
}

// Validate checks that a configured policy file exists.
func (p *PoliciesConfig) Validate() error {
	if p.Path == "" {
		return nil
	}
	if _, err := os.Stat(p.Path); err != nil {
		return fmt.Errorf("policies.path: %w", err)
	}
	return nil
}

// TeamsConfig maps external agent ids to team ids for policy conditions.
type TeamsConfig struct {
	Members   map[string][]string `yaml:"members"`    // agent id -> team ids
	CacheSize int                 `yaml:"cache_size"` // 0 uses the cache default
	CacheTTL  time.Duration       `yaml:"cache_ttl"`  // 0 uses the cache default
}

// Validate checks cache bounds.
func (t *TeamsConfig) Validate() error {
	if t.CacheSize < 0 {
		return fmt.Errorf("teams.cache_size must not be negative")
	}
	if t.CacheTTL < 0 {
		return fmt.Errorf("teams.cache_ttl must not be negative")
	}
	return nil
}

// DualLLMConfig configures the quarantine sanitizer.
type DualLLMConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxRounds    int           `yaml:"max_rounds"`    // default 5
	RoundTimeout time.Duration `yaml:"round_timeout"` // default 30s

	Main        AgentConfig  `yaml:"main"`
	Quarantined AgentConfig  `yaml:"quarantined"`
	Summarizer  *AgentConfig `yaml:"summarizer"` // defaults to main

	// Sanitized summaries are memoized by tool, request and content.
	SummaryCacheSize int           `yaml:"summary_cache_size"`
	SummaryCacheTTL  time.Duration `yaml:"summary_cache_ttl"`
}

// AgentConfig is one LLM endpoint used by the sanitizer.
type AgentConfig struct {
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Region    string        `yaml:"region"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Params converts the agent to CallLLM parameters.
func (a AgentConfig) Params() external.CallLLMParams {
	return external.CallLLMParams{
		Provider:  a.Provider,
		BaseURL:   a.BaseURL,
		APIKey:    a.APIKey,
		Model:     a.Model,
		MaxTokens: a.MaxTokens,
		Region:    a.Region,
		Timeout:   a.Timeout,
	}
}

func (a AgentConfig) validate(name string) error {
	if a.Provider == "" && a.BaseURL == "" {
		return fmt.Errorf("dual_llm.%s.provider or dual_llm.%s.base_url is required", name, name)
	}
	if a.Model == "" {
		return fmt.Errorf("dual_llm.%s.model is required", name)
	}
	if a.MaxTokens < 0 {
		return fmt.Errorf("dual_llm.%s.max_tokens must not be negative", name)
	}
	return nil
}

// Validate checks agents when the sanitizer is enabled.
func (d *DualLLMConfig) Validate() error {
	if !d.Enabled {
		return nil
	}
	if d.MaxRounds < 0 {
		return fmt.Errorf("dual_llm.max_rounds must not be negative")
	}
	if d.RoundTimeout < 0 {
		return fmt.Errorf("dual_llm.round_timeout must not be negative")
	}
	if err := d.Main.validate("main"); err != nil {
		return err
	}
	if err := d.Quarantined.validate("quarantined"); err != nil {
		return err
	}
	if d.Summarizer != nil {
		if err := d.Summarizer.validate("summarizer"); err != nil {
			return err
		}
	}
	return nil
}

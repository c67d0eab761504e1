package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/compresr/agent-gateway/internal/adapters"
)

// ProvidersConfig overrides built-in vendor settings, keyed by provider name
// ("openai", "anthropic", "bedrock", ...). Providers not listed keep their
// built-in defaults.
type ProvidersConfig map[string]ProviderConfig

// ProviderConfig contains one vendor's overrides.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"` // Upstream root, without the API path
	// APIKey is used when the caller sends no credential of its own.
	APIKey  string        `yaml:"api_key"`
	Region  string        `yaml:"region"`  // Bedrock only
	Timeout time.Duration `yaml:"timeout"` // Upstream client timeout; 0 bounds by request context only
}

// Validate checks provider names and URLs.
func (p ProvidersConfig) Validate() error {
	registry := adapters.NewRegistry()
	for name, pc := range p {
		if _, err := registry.Spec(adapters.Provider(name)); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
		if pc.BaseURL != "" {
			u, err := url.Parse(pc.BaseURL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("providers.%s.base_url is not an absolute URL: %q", name, pc.BaseURL)
			}
		}
		if pc.Region != "" && name != string(adapters.ProviderBedrock) {
			return fmt.Errorf("providers.%s.region is only valid for bedrock", name)
		}
		if pc.Timeout < 0 {
			return fmt.Errorf("providers.%s.timeout must not be negative", name)
		}
	}
	return nil
}

// Get returns the overrides for provider p.
func (p ProvidersConfig) Get(provider adapters.Provider) (ProviderConfig, bool) {
	pc, ok := p[string(provider)]
	return pc, ok
}

// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from one YAML file with ${VAR} and
// ${VAR:-default} expansion. Server settings are required; every other
// section validates what is present and fills conservative defaults.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - providers.go:  Upstream vendor overrides
//   - policies.go:   Tool policies, teams, dual-LLM sanitizer
//   - features.go:   Request rewriting features, pricing, store
//   - monitoring.go: Logging and alert settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the agent gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Providers  ProvidersConfig  `yaml:"providers"`  // Upstream vendor overrides
	Policies   PoliciesConfig   `yaml:"policies"`   // Tool policy source
	DualLLM    DualLLMConfig    `yaml:"dual_llm"`   // Quarantine sanitizer agents
	Features   FeaturesConfig   `yaml:"features"`   // Request rewriting
	Pricing    PricingConfig    `yaml:"pricing"`    // Token price overrides
	Store      StoreConfig      `yaml:"store"`      // Interaction persistence
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging and alerts
	Teams      TeamsConfig      `yaml:"teams"`      // Agent to team mapping
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // Port to listen on
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"` // Max time to write response; 0 for long streams
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit int `yaml:"rate_limit"`
	// MaxBodyBytes caps inbound request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultMaxBodyBytes is used when server.max_body_bytes is unset.
const DefaultMaxBodyBytes = 50 * 1024 * 1024

// envPattern matches ${VAR:-default} or ${VAR}.
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployments change the port and log level without
// editing the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Monitoring.LogLevel = v
	}
}

// Validate checks the configuration and fills section defaults.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	validators := []func() error{
		c.Providers.Validate,
		c.Policies.Validate,
		c.Teams.Validate,
		c.DualLLM.Validate,
		c.Features.Validate,
		c.Pricing.Validate,
		c.Store.Validate,
		c.Monitoring.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

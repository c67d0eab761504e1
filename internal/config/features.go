package config

import (
	"fmt"
	"time"

	"github.com/compresr/agent-gateway/internal/pricing"
)

// FeaturesConfig toggles request rewriting.
type FeaturesConfig struct {
	// CompressToolResults re-encodes JSON tool results as TOON when smaller.
	CompressToolResults bool `yaml:"compress_tool_results"`

	ConvertImages bool `yaml:"convert_images"`
	MaxImageBytes int  `yaml:"max_image_bytes"`

	StripBrowserResults bool     `yaml:"strip_browser_results"`
	BrowserToolPrefixes []string `yaml:"browser_tool_prefixes"`

	// ImageModelPrefixes overrides the built-in image-capable model list.
	ImageModelPrefixes []string `yaml:"image_model_prefixes"`
}

// Validate checks limits.
func (f *FeaturesConfig) Validate() error {
	if f.MaxImageBytes < 0 {
		return fmt.Errorf("features.max_image_bytes must not be negative")
	}
	return nil
}

// PricingConfig overrides per-model prices (USD per million tokens).
type PricingConfig struct {
	Models map[string]pricing.Price `yaml:"models"`
}

// Validate rejects negative prices.
func (p *PricingConfig) Validate() error {
	for model, price := range p.Models {
		if price.Input < 0 || price.Output < 0 {
			return fmt.Errorf("pricing.models.%s: prices must not be negative", model)
		}
	}
	return nil
}

// Store types.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// StoreConfig contains interaction persistence settings.
type StoreConfig struct {
	Type string        `yaml:"type"` // none, memory or sqlite; default memory
	Path string        `yaml:"path"` // SQLite database file
	TTL  time.Duration `yaml:"ttl"`  // Memory store retention
}

// Validate checks the store type and its required fields.
func (s *StoreConfig) Validate() error {
	if s.Type == "" {
		s.Type = StoreMemory
	}
	switch s.Type {
	case StoreNone, StoreMemory:
	case StoreSQLite:
		if s.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("invalid store.type: %q (must be none, memory or sqlite)", s.Type)
	}
	if s.TTL < 0 {
		return fmt.Errorf("store.ttl must not be negative")
	}
	return nil
}

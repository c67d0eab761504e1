package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/compresr/agent-gateway/external"
	"github.com/compresr/agent-gateway/internal/adapters"
	"github.com/compresr/agent-gateway/internal/config"
	"github.com/compresr/agent-gateway/internal/dualllm"
	"github.com/compresr/agent-gateway/internal/gateway"
	"github.com/compresr/agent-gateway/internal/monitoring"
	"github.com/compresr/agent-gateway/internal/policy"
	"github.com/compresr/agent-gateway/internal/pricing"
	"github.com/compresr/agent-gateway/internal/store"
	"github.com/compresr/agent-gateway/internal/tokenizer"
)

// tokenizerCacheSize bounds loaded tiktoken encodings.
const tokenizerCacheSize = 16

// buildGateway wires every component from cfg.
func buildGateway(cfg *config.Config, logger *monitoring.Logger) (*gateway.Gateway, error) {
	registry, err := newRegistry(cfg.Providers)
	if err != nil {
		return nil, err
	}

	policies, err := policy.LoadYAMLStore(cfg.Policies.Path)
	if err != nil {
		return nil, err
	}

	sanitizer, err := newSanitizer(cfg.DualLLM)
	if err != nil {
		return nil, err
	}

	sink, err := newSink(cfg.Store)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetricsCollector()
	alerts := monitoring.NewAlertManager(logger, monitoring.AlertConfig{HighLatencyThreshold: cfg.Monitoring.HighLatencyThreshold})

	evalCfg := policy.EvaluatorConfig{
		Teams:            policy.NewTeamCache(policy.StaticTeams(cfg.Teams.Members), cfg.Teams.CacheSize, cfg.Teams.CacheTTL),
		Auditor:          monitoring.NewPolicyAuditor(logger, metrics, alerts),
		SummaryCacheSize: cfg.DualLLM.SummaryCacheSize,
		SummaryCacheTTL:  cfg.DualLLM.SummaryCacheTTL,
	}
	// A nil *Sanitizer must not become a non-nil interface.
	if sanitizer != nil {
		evalCfg.Sanitizer = sanitizer
	}

	gw, err := gateway.New(gateway.Options{
		Config:     cfg,
		Registry:   registry,
		Evaluator:  policy.NewEvaluator(policies, evalCfg),
		Sink:       sink,
		Tokenizers: tokenizer.New(tokenizerCacheSize),
		Prices:     pricing.New(cfg.Pricing.Models),
		Logger:     logger,
		Metrics:    metrics,
		Alerts:     alerts,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return nil, err
	}
	return gw, nil
}

// newRegistry applies provider overrides to the built-in registry.
func newRegistry(providers config.ProvidersConfig) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()
	for name, pc := range providers {
		p := adapters.Provider(name)
		baseURL := pc.BaseURL
		if baseURL == "" && p == adapters.ProviderBedrock && pc.Region != "" {
			baseURL = adapters.BedrockBaseURL(pc.Region)
		}
		if baseURL == "" {
			continue
		}
		if err := registry.Configure(p, func(s *adapters.ProviderSpec) { s.BaseURL = baseURL }); err != nil {
			return nil, fmt.Errorf("providers.%s: %w", name, err)
		}
	}
	return registry, nil
}

// newSanitizer builds the dual-LLM sanitizer, or nil when disabled.
func newSanitizer(cfg config.DualLLMConfig) (*dualllm.Sanitizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	mainAgent, err := external.NewLLMClient(cfg.Main.Params())
	if err != nil {
		return nil, fmt.Errorf("dual_llm.main: %w", err)
	}
	quarantined, err := external.NewLLMClient(cfg.Quarantined.Params())
	if err != nil {
		return nil, fmt.Errorf("dual_llm.quarantined: %w", err)
	}
	sc := dualllm.Config{
		MaxRounds:    cfg.MaxRounds,
		RoundTimeout: cfg.RoundTimeout,
		Main:         mainAgent,
		Quarantined:  quarantined,
	}
	if cfg.Summarizer != nil {
		summarizer, err := external.NewLLMClient(cfg.Summarizer.Params())
		if err != nil {
			return nil, fmt.Errorf("dual_llm.summarizer: %w", err)
		}
		sc.Summarizer = summarizer
	}

	log.Info().
		Str("main", mainAgent.Provider()+"/"+mainAgent.Model()).
		Str("quarantined", quarantined.Provider()+"/"+quarantined.Model()).
		Msg("dual-llm sanitizer enabled")
	return dualllm.New(sc)
}

// newSink opens the configured interaction store; nil for "none".
func newSink(cfg config.StoreConfig) (store.Sink, error) {
	switch cfg.Type {
	case config.StoreNone:
		return nil, nil
	case config.StoreSQLite:
		sink, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return store.NewMemorySink(cfg.TTL), nil
	}
}

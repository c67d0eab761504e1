package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/agent-gateway/internal/adapters"
	"github.com/compresr/agent-gateway/internal/config"
	"github.com/compresr/agent-gateway/internal/monitoring"
	"github.com/compresr/agent-gateway/internal/policy"
	"github.com/compresr/agent-gateway/internal/store"
)

func embeddedConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("GATEWAY_PORT", "")
	t.Setenv("GATEWAY_LOG_LEVEL", "")
	t.Setenv("GATEWAY_POLICIES", "")
	data, err := getEmbeddedConfig("gateway")
	require.NoError(t, err)
	cfg, err := config.LoadFromBytes(data)
	require.NoError(t, err)
	return cfg
}

func TestEmbeddedConfigs(t *testing.T) {
	names, err := listEmbeddedConfigs()
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "policies"}, names)

	cfg := embeddedConfig(t)
	assert.Equal(t, 18080, cfg.Server.Port)
	assert.Equal(t, config.StoreMemory, cfg.Store.Type)
	assert.False(t, cfg.DualLLM.Enabled)

	data, err := getEmbeddedConfig("policies.yaml")
	require.NoError(t, err)
	ps, err := policy.NewYAMLStore(data)
	require.NoError(t, err)
	assert.Len(t, ps.Policies("send_email").Invocation, 2)
}

func TestResolveServeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	data, source, err := resolveServeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, source)
	assert.Contains(t, string(data), "9000")

	_, _, err = resolveServeConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	registry, err := newRegistry(config.ProvidersConfig{
		"openai":  {BaseURL: "http://localhost:9999"},
		"bedrock": {Region: "eu-west-1"},
		"gemini":  {APIKey: "key-only"},
	})
	require.NoError(t, err)

	spec, err := registry.Spec(adapters.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", spec.BaseURL)

	spec, err = registry.Spec(adapters.ProviderBedrock)
	require.NoError(t, err)
	assert.Equal(t, "https://bedrock-runtime.eu-west-1.amazonaws.com", spec.BaseURL)

	spec, err = registry.Spec(adapters.ProviderGemini)
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.googleapis.com", spec.BaseURL)
}

func TestNewSanitizer(t *testing.T) {
	s, err := newSanitizer(config.DualLLMConfig{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = newSanitizer(config.DualLLMConfig{
		Enabled:     true,
		Main:        config.AgentConfig{Provider: "ollama", Model: "llama3.1"},
		Quarantined: config.AgentConfig{Provider: "vllm", Model: "qwen2.5"},
	})
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = newSanitizer(config.DualLLMConfig{
		Enabled:     true,
		Main:        config.AgentConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Quarantined: config.AgentConfig{Provider: "vllm", Model: "qwen2.5"},
	})
	assert.ErrorContains(t, err, "dual_llm.main")
}

func TestNewSink(t *testing.T) {
	sink, err := newSink(config.StoreConfig{Type: config.StoreNone})
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = newSink(config.StoreConfig{Type: config.StoreMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.MemorySink{}, sink)
	require.NoError(t, sink.Close())

	sink, err = newSink(config.StoreConfig{Type: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "gw.db")})
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteSink{}, sink)
	require.NoError(t, sink.Close())
}

func TestBuildGateway(t *testing.T) {
	cfg := embeddedConfig(t)
	cfg.Store.Type = config.StoreNone

	logger := monitoring.New(monitoring.LoggerConfig{Level: "error", Writer: io.Discard})
	gw, err := buildGateway(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, gw.Shutdown(context.Background()))

	cfg.Policies.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildGateway(cfg, logger)
	assert.Error(t, err)
}

package adapters

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BuiltIns(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []Provider{
		ProviderAnthropic, ProviderBedrock, ProviderCerebras, ProviderCohere, ProviderGemini,
		ProviderMistral, ProviderOllama, ProviderOpenAI, ProviderVLLM, ProviderZhipuAI,
	}, r.Providers())

	tests := []struct {
		provider   Provider
		baseURL    string
		authHeader string
		forceUsage bool
	}{
		{ProviderOpenAI, "https://api.openai.com", "Authorization", true},
		{ProviderOllama, "http://localhost:11434", "Authorization", true},
		{ProviderMistral, "https://api.mistral.ai", "Authorization", false},
		{ProviderZhipuAI, "https://open.bigmodel.cn/api/paas", "Authorization", false},
		{ProviderAnthropic, "https://api.anthropic.com", "x-api-key", false},
		{ProviderGemini, "https://generativelanguage.googleapis.com", "x-goog-api-key", false},
		{ProviderBedrock, "https://bedrock-runtime.us-east-1.amazonaws.com", "", false},
		{ProviderCohere, "https://api.cohere.com", "Authorization", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			spec, err := r.Spec(tt.provider)
			require.NoError(t, err)
			assert.Equal(t, tt.baseURL, spec.BaseURL)
			assert.Equal(t, tt.authHeader, spec.AuthHeader)
			assert.Equal(t, tt.forceUsage, spec.ForceStreamUsage)
		})
	}
}

func TestRegistry_FactoriesMatchProvider(t *testing.T) {
	r := NewRegistry()
	for _, p := range r.Providers() {
		req, err := r.NewRequestAdapter(p, []byte(`{}`), "/", Options{})
		require.NoError(t, err)
		assert.Equal(t, p, req.Provider(), "request adapter for %s", p)

		_, err = r.NewResponseAdapter(p, []byte(`{}`))
		require.NoError(t, err)
		stream, err := r.NewStreamAdapter(p, "m")
		require.NoError(t, err)
		assert.Equal(t, "m", stream.State().Model)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Spec("grok")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = r.NewRequestAdapter("grok", nil, "/", Options{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.ErrorIs(t, r.Configure("grok", func(*ProviderSpec) {}), ErrUnknownProvider)
}

func TestRegistry_ConfigureDoesNotMutatePriorSnapshot(t *testing.T) {
	r := NewRegistry()
	before, err := r.Spec(ProviderOllama)
	require.NoError(t, err)

	require.NoError(t, r.Configure(ProviderOllama, func(s *ProviderSpec) {
		s.BaseURL = "http://gpu-box:11434"
	}))

	after, err := r.Spec(ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", after.BaseURL)
	assert.Equal(t, "http://localhost:11434", before.BaseURL)
}

func TestProviderSpec_Credential(t *testing.T) {
	r := NewRegistry()
	anthropic, _ := r.Spec(ProviderAnthropic)
	openai, _ := r.Spec(ProviderOpenAI)
	bedrock, _ := r.Spec(ProviderBedrock)

	h := http.Header{}
	h.Set("x-api-key", "sk-ant-1")
	assert.Equal(t, "sk-ant-1", anthropic.Credential(h))

	h = http.Header{}
	h.Set("Authorization", "Bearer sk-ant-2")
	assert.Equal(t, "sk-ant-2", anthropic.Credential(h), "bearer accepted as fallback")
	assert.Equal(t, "sk-ant-2", openai.Credential(h))
	assert.Empty(t, bedrock.Credential(h))

	req, err := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	require.NoError(t, err)
	openai.SetCredential(req, "sk-1")
	assert.Equal(t, "Bearer sk-1", req.Header.Get("Authorization"))
}

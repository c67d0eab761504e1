// LLM client for the gateway's own model calls.
//
// CallLLM is the single entry point for a one-shot system+user completion
// against any supported provider. The dual-LLM sanitizer drives its main,
// quarantined and summarizer agents through LLMClient, which wraps CallLLM.
//
// BACKENDS:
//   - anthropic:                    anthropic-sdk-go Messages API
//   - openai, ollama, vllm,
//     cerebras, mistral, zhipuai:   openai-go Chat Completions API
//   - gemini:                       google.golang.org/genai GenerateContent
//   - bedrock:                      Converse API over a SigV4 signing transport
//   - cohere:                       v2 chat API
//
// ADDING A NEW PROVIDER:
//  1. Add a call* function to backends.go
//  2. Add the case to CallLLM and, if it has a fixed host, DetectProvider
//  3. Add an httptest case to llm_test.go
package external

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout for LLM API calls.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTokens caps completions when the caller sets no limit.
	DefaultMaxTokens = 1024

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error body in error messages to avoid log bloat.
	maxErrorBodyLen = 500
)

// Provider names understood by CallLLM.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderVLLM      = "vllm"
	ProviderCerebras  = "cerebras"
	ProviderMistral   = "mistral"
	ProviderZhipuAI   = "zhipuai"
	ProviderGemini    = "gemini"
	ProviderBedrock   = "bedrock"
	ProviderCohere    = "cohere"
)

// openAICompatibleBaseURLs are the SDK base URLs (API version included) of
// the OpenAI-compatible providers.
var openAICompatibleBaseURLs = map[string]string{
	ProviderOpenAI:   "https://api.openai.com/v1",
	ProviderOllama:   "http://localhost:11434/v1",
	ProviderVLLM:     "http://localhost:8000/v1",
	ProviderCerebras: "https://api.cerebras.ai/v1",
	ProviderMistral:  "https://api.mistral.ai/v1",
	ProviderZhipuAI:  "https://open.bigmodel.cn/api/paas/v4",
}

// IsOpenAICompatible reports whether provider speaks Chat Completions.
func IsOpenAICompatible(provider string) bool {
	_, ok := openAICompatibleBaseURLs[provider]
	return ok
}

// CallLLMParams contains parameters for calling an LLM provider.
type CallLLMParams struct {
	// Provider overrides auto-detection from BaseURL.
	Provider string

	// BaseURL overrides the provider's default API root. For OpenAI-compatible
	// providers it includes the version segment ("http://host:8000/v1").
	BaseURL     string
	APIKey      string
	BearerToken string // Authorization: Bearer, used by Anthropic when APIKey is empty
	Model       string

	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Timeout      time.Duration

	// Region selects the Bedrock endpoint when BaseURL is empty.
	Region string

	// ExtraHeaders are added to every request.
	ExtraHeaders map[string]string

	// HTTPClient overrides the default client. Bedrock needs one whose
	// transport signs requests (see NewBedrockSigningTransport).
	HTTPClient *http.Client
}

// validate checks that required fields are present and sets defaults.
func (p *CallLLMParams) validate() error {
	if p.Provider == "" {
		if p.BaseURL == "" {
			return fmt.Errorf("provider or base url required")
		}
		p.Provider = DetectProvider(p.BaseURL)
	}
	switch p.Provider {
	case ProviderBedrock:
		// Authenticated by the signing transport.
	case ProviderOllama, ProviderVLLM:
		// Local servers usually run without a key.
	default:
		if IsOpenAICompatible(p.Provider) || p.Provider == ProviderAnthropic ||
			p.Provider == ProviderGemini || p.Provider == ProviderCohere {
			if p.APIKey == "" && p.BearerToken == "" {
				return fmt.Errorf("api key or bearer token required for %s", p.Provider)
			}
		} else {
			return fmt.Errorf("unsupported provider %q", p.Provider)
		}
	}
	if p.Model == "" {
		return fmt.Errorf("model required")
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	return nil
}

// CallLLMResult contains the response from an LLM call.
type CallLLMResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Provider     string
}

// CallLLM runs one system+user completion at temperature 0.
func CallLLM(ctx context.Context, params CallLLMParams) (*CallLLMResult, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid CallLLM params: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	var (
		result *CallLLMResult
		err    error
	)
	switch {
	case params.Provider == ProviderAnthropic:
		result, err = callAnthropic(ctx, params)
	case params.Provider == ProviderGemini:
		result, err = callGemini(ctx, params)
	case params.Provider == ProviderBedrock:
		result, err = callBedrock(ctx, params)
	case params.Provider == ProviderCohere:
		result, err = callCohere(ctx, params)
	default:
		result, err = callOpenAICompatible(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", params.Provider, err)
	}
	result.Provider = params.Provider
	return result, nil
}

// DetectProvider infers the provider from a base URL. Unknown hosts are
// treated as OpenAI-compatible.
func DetectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "bedrock"):
		return ProviderBedrock
	case strings.Contains(baseURL, "anthropic"):
		return ProviderAnthropic
	case strings.Contains(baseURL, "generativelanguage.googleapis.com"):
		return ProviderGemini
	case strings.Contains(baseURL, "cohere"):
		return ProviderCohere
	case strings.Contains(baseURL, "cerebras"):
		return ProviderCerebras
	case strings.Contains(baseURL, "mistral"):
		return ProviderMistral
	case strings.Contains(baseURL, "bigmodel.cn"):
		return ProviderZhipuAI
	case strings.Contains(baseURL, ":11434"):
		return ProviderOllama
	default:
		return ProviderOpenAI
	}
}

// LLMClient is a reusable CallLLM configuration. Its Complete method makes
// it usable as a dual-LLM agent.
type LLMClient struct {
	params CallLLMParams
}

// NewLLMClient validates params once. SystemPrompt and UserPrompt are
// supplied per call.
func NewLLMClient(params CallLLMParams) (*LLMClient, error) {
	params.SystemPrompt, params.UserPrompt = "", ""
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid LLM client config: %w", err)
	}
	return &LLMClient{params: params}, nil
}

// Complete returns the text of one completion.
func (c *LLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p := c.params
	p.SystemPrompt, p.UserPrompt = systemPrompt, userPrompt
	res, err := CallLLM(ctx, p)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Content) == "" {
		return "", fmt.Errorf("%s returned empty content", res.Provider)
	}
	return res.Content, nil
}

// Provider returns the resolved provider name.
func (c *LLMClient) Provider() string { return c.params.Provider }

// Model returns the configured model.
func (c *LLMClient) Model() string { return c.params.Model }

func truncateErrorBody(body []byte) string {
	s := string(body)
	if len(s) > maxErrorBodyLen {
		s = s[:maxErrorBodyLen] + "... (truncated)"
	}
	return s
}

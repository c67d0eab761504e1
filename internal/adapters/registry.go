// Registry manages provider registration and lookup.
//
// DESIGN: Immutable snapshot of provider → ProviderSpec behind an
// atomic.Pointer. Lookups on the request path never lock; Register and
// Configure copy the map and swap the pointer. Built-in providers are
// registered by NewRegistry.
package adapters

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compresr/agent-gateway/external"
)

// ErrUnknownProvider is returned for providers with no registered spec.
var ErrUnknownProvider = errors.New("unknown provider")

// ClientOptions configures HTTP clients built by a ProviderSpec.
type ClientOptions struct {
	Timeout time.Duration
	// Region is used by Bedrock for SigV4 signing.
	Region string
}

// ProviderSpec is everything the gateway needs to talk to one vendor.
type ProviderSpec struct {
	Provider Provider
	BaseURL  string

	// AuthHeader carries the credential; AuthScheme is prepended to it ("Bearer ").
	// Empty AuthHeader means the transport authenticates (Bedrock SigV4).
	AuthHeader string
	AuthScheme string

	// ForceStreamUsage asks the vendor for a trailing usage chunk via
	// stream_options.include_usage.
	ForceStreamUsage bool

	NewRequest     func(body []byte, path string, opts Options) RequestAdapter
	NewResponse    func(body []byte) ResponseAdapter
	NewStream      func(model string) StreamAdapter
	NewChunkReader func(resp *http.Response) ChunkReader
	NewHTTPClient  func(opts ClientOptions) (*http.Client, error)
	ExtractError   func(body []byte) string
}

// Credential extracts the caller's credential from inbound headers.
func (s ProviderSpec) Credential(h http.Header) string {
	if s.AuthHeader == "" {
		return ""
	}
	v := h.Get(s.AuthHeader)
	if v == "" && s.AuthHeader != "Authorization" {
		// Accept bearer tokens for every header-authenticated vendor.
		v = h.Get("Authorization")
	}
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		v = strings.TrimSpace(v[7:])
	}
	return v
}

// SetCredential writes a credential onto an outbound request.
func (s ProviderSpec) SetCredential(req *http.Request, credential string) {
	if s.AuthHeader == "" || credential == "" {
		return
	}
	req.Header.Set(s.AuthHeader, s.AuthScheme+credential)
}

// Registry maps providers to their specs.
type Registry struct {
	specs atomic.Pointer[map[Provider]ProviderSpec]
	mu    sync.Mutex // serializes writers
}

// NewRegistry creates a registry with every built-in provider.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[Provider]ProviderSpec)
	r.specs.Store(&empty)

	for _, p := range []Provider{ProviderOpenAI, ProviderOllama, ProviderVLLM, ProviderCerebras, ProviderMistral, ProviderZhipuAI} {
		r.Register(openAIFamilySpec(p))
	}
	r.Register(anthropicSpec())
	r.Register(geminiSpec())
	r.Register(bedrockSpec("us-east-1"))
	r.Register(cohereSpec())
	return r
}

// Register adds or replaces a provider spec.
func (r *Registry) Register(spec ProviderSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copySpecs()
	next[spec.Provider] = spec
	r.specs.Store(&next)
}

// Configure applies fn to a registered spec and publishes the result.
func (r *Registry) Configure(p Provider, fn func(*ProviderSpec)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copySpecs()
	spec, ok := next[p]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	fn(&spec)
	next[p] = spec
	r.specs.Store(&next)
	return nil
}

func (r *Registry) copySpecs() map[Provider]ProviderSpec {
	cur := *r.specs.Load()
	next := make(map[Provider]ProviderSpec, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// Spec returns the ProviderSpec registered for p.
func (r *Registry) Spec(p Provider) (ProviderSpec, error) {
	spec, ok := (*r.specs.Load())[p]
	if !ok {
		return ProviderSpec{}, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return spec, nil
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []Provider {
	specs := *r.specs.Load()
	out := make([]Provider, 0, len(specs))
	for p := range specs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewRequestAdapter builds a request adapter for p.
func (r *Registry) NewRequestAdapter(p Provider, body []byte, path string, opts Options) (RequestAdapter, error) {
	spec, err := r.Spec(p)
	if err != nil {
		return nil, err
	}
	return spec.NewRequest(body, path, opts), nil
}

// NewResponseAdapter builds a response adapter for p.
func (r *Registry) NewResponseAdapter(p Provider, body []byte) (ResponseAdapter, error) {
	spec, err := r.Spec(p)
	if err != nil {
		return nil, err
	}
	return spec.NewResponse(body), nil
}

// NewStreamAdapter builds a stream adapter for p.
func (r *Registry) NewStreamAdapter(p Provider, model string) (StreamAdapter, error) {
	spec, err := r.Spec(p)
	if err != nil {
		return nil, err
	}
	return spec.NewStream(model), nil
}

// =============================================================================
// BUILT-IN SPECS
// =============================================================================

var openAIFamilyBaseURLs = map[Provider]string{
	ProviderOpenAI:   "https://api.openai.com",
	ProviderOllama:   "http://localhost:11434",
	ProviderVLLM:     "http://localhost:8000",
	ProviderCerebras: "https://api.cerebras.ai",
	ProviderMistral:  "https://api.mistral.ai",
	ProviderZhipuAI:  "https://open.bigmodel.cn/api/paas",
}

func openAIFamilySpec(p Provider) ProviderSpec {
	return ProviderSpec{
		Provider:   p,
		BaseURL:    openAIFamilyBaseURLs[p],
		AuthHeader: "Authorization",
		AuthScheme: "Bearer ",
		// Mistral and ZhipuAI always send usage and reject stream_options.
		ForceStreamUsage: p != ProviderMistral && p != ProviderZhipuAI,
		NewRequest: func(body []byte, path string, opts Options) RequestAdapter {
			return NewOpenAIRequestAdapter(p, body, path, opts)
		},
		NewResponse:    func(body []byte) ResponseAdapter { return NewOpenAIResponseAdapter(p, body) },
		NewStream:      func(model string) StreamAdapter { return NewOpenAIStreamAdapter(p, model) },
		NewChunkReader: NewSSEChunkReader,
		NewHTTPClient:  defaultHTTPClient,
		ExtractError:   func(body []byte) string { return ExtractErrorMessage(p, body) },
	}
}

func anthropicSpec() ProviderSpec {
	return ProviderSpec{
		Provider:   ProviderAnthropic,
		BaseURL:    "https://api.anthropic.com",
		AuthHeader: "x-api-key",
		NewRequest: func(body []byte, path string, opts Options) RequestAdapter {
			return NewAnthropicRequestAdapter(body, path, opts)
		},
		NewResponse:    func(body []byte) ResponseAdapter { return NewAnthropicResponseAdapter(body) },
		NewStream:      func(model string) StreamAdapter { return NewAnthropicStreamAdapter(model) },
		NewChunkReader: NewSSEChunkReader,
		NewHTTPClient:  defaultHTTPClient,
		ExtractError:   func(body []byte) string { return ExtractErrorMessage(ProviderAnthropic, body) },
	}
}

func geminiSpec() ProviderSpec {
	return ProviderSpec{
		Provider:   ProviderGemini,
		BaseURL:    "https://generativelanguage.googleapis.com",
		AuthHeader: "x-goog-api-key",
		NewRequest: func(body []byte, path string, opts Options) RequestAdapter {
			return NewGeminiRequestAdapter(body, path, opts)
		},
		NewResponse:    func(body []byte) ResponseAdapter { return NewGeminiResponseAdapter(body) },
		NewStream:      func(model string) StreamAdapter { return NewGeminiStreamAdapter(model) },
		NewChunkReader: NewSSEChunkReader,
		NewHTTPClient:  defaultHTTPClient,
		ExtractError:   func(body []byte) string { return ExtractErrorMessage(ProviderGemini, body) },
	}
}

// BedrockBaseURL returns the bedrock-runtime endpoint for region.
func BedrockBaseURL(region string) string {
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
}

func bedrockSpec(region string) ProviderSpec {
	return ProviderSpec{
		Provider: ProviderBedrock,
		BaseURL:  BedrockBaseURL(region),
		NewRequest: func(body []byte, path string, opts Options) RequestAdapter {
			return NewBedrockRequestAdapter(body, path, opts)
		},
		NewResponse:    func(body []byte) ResponseAdapter { return NewBedrockResponseAdapter(body) },
		NewStream:      func(model string) StreamAdapter { return NewBedrockStreamAdapter(model) },
		NewChunkReader: NewEventStreamChunkReader,
		NewHTTPClient:  bedrockHTTPClient,
		ExtractError:   func(body []byte) string { return ExtractErrorMessage(ProviderBedrock, body) },
	}
}

func cohereSpec() ProviderSpec {
	return ProviderSpec{
		Provider:   ProviderCohere,
		BaseURL:    "https://api.cohere.com",
		AuthHeader: "Authorization",
		AuthScheme: "Bearer ",
		NewRequest: func(body []byte, path string, opts Options) RequestAdapter {
			return NewCohereRequestAdapter(body, path, opts)
		},
		NewResponse:    func(body []byte) ResponseAdapter { return NewCohereResponseAdapter(body) },
		NewStream:      func(model string) StreamAdapter { return NewCohereStreamAdapter(model) },
		NewChunkReader: NewSSEChunkReader,
		NewHTTPClient:  defaultHTTPClient,
		ExtractError:   func(body []byte) string { return ExtractErrorMessage(ProviderCohere, body) },
	}
}

// defaultHTTPClient has no overall timeout when opts.Timeout is zero, so long
// streams are bounded only by the request context.
func defaultHTTPClient(opts ClientOptions) (*http.Client, error) {
	return &http.Client{Timeout: opts.Timeout}, nil
}

// bedrockHTTPClient signs every request with SigV4 from the default AWS credential chain.
func bedrockHTTPClient(opts ClientOptions) (*http.Client, error) {
	transport, err := external.NewBedrockSigningTransport(opts.Region, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bedrock signing transport: %w", err)
	}
	return &http.Client{Timeout: opts.Timeout, Transport: transport}, nil
}

// Package gateway is the HTTP front of the agent gateway.
//
// DESIGN: One handler proxies /{provider}/{vendor path} to the vendor API:
//  1. Request adapter parses the vendor-native body
//  2. Result policies run over every tool result; trust accumulates
//  3. Optional TOON compression of JSON tool results
//  4. Upstream call, streaming or not
//  5. Invocation policies run over the tool calls the model produced;
//     a blocked call turns the response into a refusal
//
// FILES:
//   - gateway.go:    Gateway, construction, lifecycle, admin endpoints
//   - handler.go:    Proxy handler and request-side policy stage
//   - stream.go:     Streaming relay with held tool calls
//   - middleware.go: Recovery, rate limit, logging, security headers
//   - types.go:      Per-request state, headers, error shapes
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/agent-gateway/internal/adapters"
	"github.com/compresr/agent-gateway/internal/config"
	"github.com/compresr/agent-gateway/internal/monitoring"
	"github.com/compresr/agent-gateway/internal/policy"
	"github.com/compresr/agent-gateway/internal/store"
)

// Version is reported by /health. Set at build time via ldflags in cmd.
var Version = "dev"

// Options wires the gateway's collaborators. Config, Registry and Evaluator
// are required.
type Options struct {
	Config    *config.Config
	Registry  *adapters.Registry
	Evaluator *policy.Evaluator

	// Sink persists one interaction per request; nil disables persistence.
	Sink store.Sink

	Tokenizers adapters.TokenizerFactory
	Prices     adapters.PriceLookup

	Logger  *monitoring.Logger
	Metrics *monitoring.MetricsCollector

	// Alerts is shared with the policy auditor when set.
	Alerts *monitoring.AlertManager
}

// Gateway is the HTTP proxy.
type Gateway struct {
	config      *config.Config
	registry    *adapters.Registry
	evaluator   *policy.Evaluator
	sink        store.Sink
	adapterOpts adapters.Options

	logger        *monitoring.Logger
	requestLogger *monitoring.RequestLogger
	alerts        *monitoring.AlertManager
	metrics       *monitoring.MetricsCollector
	rateLimiter   *rateLimiter

	clientsMu sync.Mutex
	clients   map[adapters.Provider]*http.Client

	server    *http.Server
	startedAt time.Time
}

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil || opts.Registry == nil || opts.Evaluator == nil {
		return nil, errors.New("gateway: config, registry and evaluator are required")
	}
	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = monitoring.New(monitoring.LoggerConfig{
			Level:  cfg.Monitoring.LogLevel,
			Format: cfg.Monitoring.LogFormat,
			Output: cfg.Monitoring.LogOutput,
		})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetricsCollector()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = monitoring.NewAlertManager(logger, monitoring.AlertConfig{HighLatencyThreshold: cfg.Monitoring.HighLatencyThreshold})
	}

	g := &Gateway{
		config:    cfg,
		registry:  opts.Registry,
		evaluator: opts.Evaluator,
		sink:      opts.Sink,
		adapterOpts: adapters.Options{
			Tokenizers:          opts.Tokenizers,
			Prices:              opts.Prices,
			Capabilities:        adapters.PrefixCapabilities{ImagePrefixes: cfg.Features.ImageModelPrefixes},
			ConvertImages:       cfg.Features.ConvertImages,
			MaxImageBytes:       cfg.Features.MaxImageBytes,
			StripBrowserResults: cfg.Features.StripBrowserResults,
			BrowserToolPrefixes: cfg.Features.BrowserToolPrefixes,
		},
		logger:        logger.Component("gateway"),
		requestLogger: monitoring.NewRequestLogger(logger, cfg.Monitoring.VerbosePayloads),
		alerts:        alerts,
		metrics:       metrics,
		clients:       make(map[adapters.Provider]*http.Client),
		startedAt:     time.Now(),
	}
	if cfg.Server.RateLimit > 0 {
		g.rateLimiter = newRateLimiter(cfg.Server.RateLimit)
	}

	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      g.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("GET /interactions", g.handleInteractions)
	mux.HandleFunc("POST /{provider}/{path...}", g.handleProxy)

	var h http.Handler = mux
	h = g.bodyLimit(h)
	h = g.security(h)
	h = g.loggingMiddleware(h)
	if g.rateLimiter != nil {
		h = g.rateLimit(h)
	}
	return g.panicRecovery(h)
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (g *Gateway) Start() error {
	log.Info().
		Str("addr", g.server.Addr).
		Int("providers", len(g.registry.Providers())).
		Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the sink.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	if g.rateLimiter != nil {
		g.rateLimiter.stop()
	}
	if g.sink != nil {
		if cerr := g.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// httpClient returns the cached upstream client for p. Failed constructions
// are not cached so a later request can retry (Bedrock credentials).
func (g *Gateway) httpClient(p adapters.Provider, spec adapters.ProviderSpec) (*http.Client, error) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	if c, ok := g.clients[p]; ok {
		return c, nil
	}
	pc, _ := g.config.Providers.Get(p)
	c, err := spec.NewHTTPClient(adapters.ClientOptions{Timeout: pc.Timeout, Region: pc.Region})
	if err != nil {
		return nil, err
	}
	g.clients[p] = c
	return c, nil
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := g.registry.Providers()
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = string(p)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"uptime":    time.Since(g.startedAt).Round(time.Second).String(),
		"providers": names,
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]any)
	for k, v := range g.metrics.Stats() {
		stats[k] = v
	}
	stats["alerts"] = g.alerts.Counts()
	g.writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if g.sink == nil {
		g.writeJSON(w, http.StatusOK, []store.Interaction{})
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			g.writeError(w, "limit must be a positive integer", errTypeInvalid, http.StatusBadRequest)
			return
		}
		limit = n
	}
	recent, err := g.sink.Recent(r.Context(), limit)
	if err != nil {
		g.writeError(w, err.Error(), errTypeGateway, http.StatusInternalServerError)
		return
	}
	if recent == nil {
		recent = []store.Interaction{}
	}
	g.writeJSON(w, http.StatusOK, recent)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg, errType string, status int) {
	g.writeJSON(w, status, errorResponse{Error: errorDetail{Message: msg, Type: errType}})
}

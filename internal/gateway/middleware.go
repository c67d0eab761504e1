// HTTP middleware.
//
// DESIGN: Chain, outermost first:
//  1. panicRecovery:     500 + alert on panic
//  2. rateLimit:         Per-IP token bucket (when server.rate_limit > 0)
//  3. loggingMiddleware: Request id into context, one access line per request
//  4. security:          Security headers, CORS for local tools
//  5. bodyLimit:         Cap inbound bodies at server.max_body_bytes
package gateway

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/compresr/agent-gateway/internal/config"
	"github.com/compresr/agent-gateway/internal/monitoring"
)

// idleBucketTTL drops limiter state for clients that went quiet.
const idleBucketTTL = 10 * time.Minute

// statusRecorder remembers what the handler sent for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	sent   bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.sent {
		return
	}
	w.status, w.sent = status, true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.sent {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush keeps streaming relays working through the wrapper.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// rateLimiter is a per-IP token bucket. Buckets live in a bounded LRU so a
// flood of distinct addresses cannot grow memory without limit.
type rateLimiter struct {
	rate    float64
	buckets *expirable.LRU[string, *bucket]
	mu      sync.Mutex // serializes get-or-create
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func newRateLimiter(perSecond int) *rateLimiter {
	return &rateLimiter{
		rate:    float64(perSecond),
		buckets: expirable.NewLRU[string, *bucket](MaxRateLimitBuckets, nil, idleBucketTTL),
	}
}

func (rl *rateLimiter) bucketFor(ip string, now time.Time) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets.Get(ip); ok {
		return b
	}
	b := &bucket{tokens: rl.rate, last: now}
	rl.buckets.Add(ip, b)
	return b
}

// allow spends one token for ip, refilling at rate tokens per second up to
// a burst of rate.
func (rl *rateLimiter) allow(ip string) bool {
	now := time.Now()
	b := rl.bucketFor(ip, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += now.Sub(b.last).Seconds() * rl.rate
	if b.tokens > rl.rate {
		b.tokens = rl.rate
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// stop releases limiter state.
func (rl *rateLimiter) stop() {
	rl.buckets.Purge()
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !g.rateLimiter.allow(ip) {
			log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			g.writeError(w, "rate limit exceeded", errTypeRateLimit, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// LOGGING AND RECOVERY
// =============================================================================

// loggingMiddleware assigns the request id (caller supplied or fresh) and
// writes one access line. Proxy-level detail is logged by the handler.
func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		r = r.WithContext(monitoring.WithRequestIDContext(r.Context(), requestID))

		size := int(r.ContentLength)
		if size < 0 {
			size = 0
		}
		g.requestLogger.LogIncoming(monitoring.NewRequestInfo(r, requestID, size))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (g *Gateway) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				g.alerts.FlagPanic(monitoring.RequestIDFromContext(r.Context()), v, string(debug.Stack()))
				g.writeError(w, "internal error", errTypeGateway, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// SECURITY
// =============================================================================

var securityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Content-Security-Policy": "default-src 'none'",
}

// corsAllowHeaders covers every vendor's credential header plus the
// gateway's caller metadata.
const corsAllowHeaders = "Content-Type, Authorization, x-api-key, x-goog-api-key, anthropic-version, " +
	HeaderRequestID + ", " + HeaderExternalAgentID + ", " + HeaderTeamIDs

func (g *Gateway) security(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}
		if origin := r.Header.Get("Origin"); localOrigin(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", HeaderRequestID+", "+HeaderContextTrust+", "+HeaderPolicyBlock)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// localOrigin allows browser tools served from this machine.
func localOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// clientIP is the peer address. Forwarding headers count only when the peer
// is a local reverse proxy.
func clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if ip := net.ParseIP(peer); ip == nil || !ip.IsLoopback() {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func (g *Gateway) bodyLimit(next http.Handler) http.Handler {
	limit := g.config.Server.MaxBodyBytes
	if limit <= 0 {
		limit = config.DefaultMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/compresr/agent-gateway/internal/adapters"
	"github.com/compresr/agent-gateway/internal/monitoring"
	"github.com/compresr/agent-gateway/internal/policy"
)

// hopHeaders are never forwarded upstream.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
	"Accept-Encoding":     true, // bodies are parsed, so ask for identity encoding
	HeaderExternalAgentID: true,
	HeaderTeamIDs:         true,
}

// handleProxy serves POST /{provider}/{path...}.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	requestID := monitoring.RequestIDFromContext(r.Context())

	provider := adapters.ProviderFromString(r.PathValue("provider"))
	spec, err := g.registry.Spec(provider)
	if err != nil {
		g.alerts.FlagInvalidRequest(requestID, err.Error())
		g.writeError(w, fmt.Sprintf("unknown provider %q", r.PathValue("provider")), errTypeNotSupported, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, "request body too large", errTypeInvalid, http.StatusRequestEntityTooLarge)
			return
		}
		g.writeError(w, "failed to read request body", errTypeInvalid, http.StatusBadRequest)
		return
	}

	path := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	ex := newExchange(requestID, provider, spec)
	ex.req = spec.NewRequest(body, path, g.adapterOpts)
	ex.caller = callerFromHeaders(r.Header)
	ex.record.Model = ex.req.Model()
	ex.record.Streaming = ex.req.IsStreaming()

	status := g.proxy(w, r, ex)
	g.finish(r.Context(), ex, status)
}

// callerFromHeaders reads caller metadata used by policy conditions.
func callerFromHeaders(h http.Header) policy.CallerContext {
	c := policy.CallerContext{ExternalAgentID: strings.TrimSpace(h.Get(HeaderExternalAgentID))}
	for _, id := range strings.Split(h.Get(HeaderTeamIDs), ",") {
		if id = strings.TrimSpace(id); id != "" {
			c.TeamIDs = append(c.TeamIDs, id)
		}
	}
	return c
}

// proxy runs the request through policies and the vendor and returns the
// status sent to the client.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, ex *exchange) int {
	ctx := r.Context()

	g.applyResultPolicies(ctx, ex)

	if g.config.Features.CompressToolResults {
		ex.compression = ex.req.ApplyToonCompression(ex.req.Model())
		g.requestLogger.LogCompression(ex.requestID, ex.req.Model(), ex.compression)
		if ex.compression.WasEffective {
			g.metrics.RecordCompression(ex.compression.TokensBefore, ex.compression.TokensAfter, ex.compression.CostSavings)
		}
	}

	outBody, err := ex.req.ToProviderRequest()
	if err != nil {
		ex.record.Error = err.Error()
		g.writeError(w, fmt.Sprintf("failed to build %s request: %v", ex.provider, err), errTypeInvalid, http.StatusBadRequest)
		return http.StatusBadRequest
	}
	if ex.spec.ForceStreamUsage && ex.req.IsStreaming() {
		if patched, err := sjson.SetBytes(outBody, "stream_options.include_usage", true); err == nil {
			outBody = patched
		}
	}

	resp, err := g.callUpstream(ctx, r, ex, outBody)
	if err != nil {
		ex.record.Error = err.Error()
		g.metrics.RecordUpstreamError()
		if ctx.Err() != nil {
			return statusClientClosed
		}
		var timeout interface{ Timeout() bool }
		if errors.As(err, &timeout) && timeout.Timeout() {
			pc, _ := g.config.Providers.Get(ex.provider)
			g.alerts.FlagUpstreamTimeout(ex.requestID, string(ex.provider), pc.Timeout)
			g.writeError(w, err.Error(), errTypeUpstream, http.StatusGatewayTimeout)
			return http.StatusGatewayTimeout
		}
		g.writeError(w, err.Error(), errTypeUpstream, http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	w.Header().Set(HeaderContextTrust, trustLabel(ex.trust))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return g.relayUpstreamError(w, ex, resp)
	}
	if ex.req.IsStreaming() {
		return g.relayStream(w, r, ex, resp)
	}
	return g.relayResponse(ctx, w, ex, resp)
}

// =============================================================================
// REQUEST SIDE
// =============================================================================

// applyResultPolicies evaluates every tool result in the request and stages
// the content each decision replaced.
func (g *Gateway) applyResultPolicies(ctx context.Context, ex *exchange) {
	results := ex.req.ToolResults()
	if len(results) == 0 {
		return
	}
	ex.userRequest = lastUserMessage(ex.req.Messages())

	updates := make(map[string]string)
	for _, tr := range results {
		d := g.evaluator.EvaluateResult(ctx, ex.trust, policy.ToolResult{
			ToolCallID:  tr.ID,
			ToolName:    tr.Name,
			Content:     tr.Text(),
			UserRequest: ex.userRequest,
			Caller:      ex.caller,
		})
		if d.Sanitized {
			ex.record.Sanitized++
		}
		if d.Blocked {
			ex.record.ResultsBlocked++
		}
		if d.Modified {
			updates[tr.ID] = d.Content
		}
	}
	if len(updates) > 0 {
		ex.req.ApplyToolResultUpdates(updates)
	}
	ex.record.Untrusted = ex.trust.IsUntrusted()
}

// lastUserMessage returns the latest non-empty user text.
func lastUserMessage(msgs []adapters.CommonMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == adapters.RoleUser && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func trustLabel(t *policy.TrustState) string {
	if t.IsUntrusted() {
		return "untrusted"
	}
	return "trusted"
}

// =============================================================================
// UPSTREAM
// =============================================================================

func (g *Gateway) callUpstream(ctx context.Context, r *http.Request, ex *exchange, body []byte) (*http.Response, error) {
	client, err := g.httpClient(ex.provider, ex.spec)
	if err != nil {
		return nil, err
	}

	target := strings.TrimSuffix(ex.spec.BaseURL, "/") + ex.req.Path()
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	for k, vs := range r.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			upReq.Header.Add(k, v)
		}
	}
	upReq.Header.Set("Content-Type", "application/json")

	credential := ex.spec.Credential(r.Header)
	if credential == "" {
		pc, _ := g.config.Providers.Get(ex.provider)
		credential = pc.APIKey
	}
	if ex.spec.AuthHeader == "" {
		// The transport signs; caller credentials must not leak upstream.
		upReq.Header.Del("Authorization")
		upReq.Header.Del("x-api-key")
	} else {
		if ex.spec.AuthHeader != "Authorization" {
			upReq.Header.Del("Authorization")
		}
		ex.spec.SetCredential(upReq, credential)
	}

	g.requestLogger.LogOutgoing(&monitoring.OutgoingRequestInfo{
		RequestID: ex.requestID,
		Provider:  string(ex.provider),
		Model:     ex.req.Model(),
		TargetURL: target,
		Streaming: ex.req.IsStreaming(),
		Body:      body,
	})

	resp, err := client.Do(upReq)
	if err != nil {
		return nil, fmt.Errorf("%s upstream request failed: %w", ex.provider, err)
	}
	return resp, nil
}

// relayUpstreamError normalizes a vendor error into the gateway error shape,
// keeping the upstream status.
func (g *Gateway) relayUpstreamError(w http.ResponseWriter, ex *exchange, resp *http.Response) int {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	msg := ""
	if ex.spec.ExtractError != nil {
		msg = ex.spec.ExtractError(raw)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	ex.record.Error = msg
	g.metrics.RecordUpstreamError()
	g.alerts.FlagProviderError(ex.requestID, string(ex.provider), resp.StatusCode, msg)
	g.writeError(w, msg, errTypeUpstream, resp.StatusCode)
	return resp.StatusCode
}

// =============================================================================
// RESPONSE SIDE
// =============================================================================

// relayResponse forwards a completed response, or a refusal when a tool call
// in it is blocked.
func (g *Gateway) relayResponse(ctx context.Context, w http.ResponseWriter, ex *exchange, resp *http.Response) int {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		ex.record.Error = err.Error()
		g.metrics.RecordUpstreamError()
		g.writeError(w, "failed to read upstream response", errTypeUpstream, http.StatusBadGateway)
		return http.StatusBadGateway
	}

	out := raw
	ra := ex.spec.NewResponse(raw)
	usage := ra.Usage()
	ex.record.InputTokens, ex.record.OutputTokens = usage.InputTokens, usage.OutputTokens
	if m := ra.Model(); m != "" {
		ex.record.Model = m
	}

	if blocked, ok := g.firstBlockedCall(ctx, ex, ra.ToolCalls()); ok {
		refusal, err := ra.ToRefusalResponse(blocked.Reason, blocked.RefusalMessage())
		if err != nil {
			g.logger.Ctx(ctx).Error().Err(err).Msg("failed to build refusal response")
			g.writeError(w, blocked.RefusalMessage(), errTypeGateway, http.StatusInternalServerError)
			return http.StatusInternalServerError
		}
		out = refusal
		w.Header().Set(HeaderPolicyBlock, blocked.Invocation.ToolName)
	}

	for k, vs := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		g.logger.Ctx(ctx).Debug().Err(err).Msg("client write failed")
	}
	g.requestLogger.LogResponse(&monitoring.ResponseInfo{
		RequestID:  ex.requestID,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(ex.receivedAt),
		Usage:      &usage,
		Body:       out,
	})
	return resp.StatusCode
}

// firstBlockedCall evaluates every call against the request's trust state and
// returns the first blocked decision. All calls are evaluated so each block is
// audited.
func (g *Gateway) firstBlockedCall(ctx context.Context, ex *exchange, calls []adapters.CommonToolCall) (policy.InvocationDecision, bool) {
	var (
		first policy.InvocationDecision
		found bool
	)
	for _, c := range calls {
		d := g.evaluator.EvaluateInvocation(ctx, ex.trust, policy.Invocation{
			ToolCallID: c.ID,
			ToolName:   c.Name,
			Arguments:  c.Arguments,
			Caller:     ex.caller,
		})
		if !d.Blocked {
			continue
		}
		ex.record.CallsBlocked++
		if !found {
			first, found = d, true
		}
	}
	return first, found
}

// finish records metrics and persists the interaction.
func (g *Gateway) finish(ctx context.Context, ex *exchange, status int) {
	latency := time.Since(ex.receivedAt)
	ex.record.StatusCode = status
	ex.record.DurationMs = latency.Milliseconds()
	ex.record.TokensBefore = ex.compression.TokensBefore
	ex.record.TokensAfter = ex.compression.TokensAfter
	ex.record.CostSavings = ex.compression.CostSavings

	g.metrics.RecordRequest(status >= 200 && status < 300, ex.record.Streaming, latency)
	g.alerts.FlagHighLatency(ex.requestID, latency, string(ex.provider), ex.record.Model)

	if g.sink == nil || status == statusClientClosed || ex.incomplete {
		return
	}
	// The client may be gone; persistence must not depend on its context.
	if err := g.sink.Record(context.WithoutCancel(ctx), ex.record); err != nil {
		g.logger.Ctx(ctx).Warn().Err(err).Msg("failed to persist interaction")
	}
}

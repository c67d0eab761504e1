package gateway

import (
	"net/http"
	"time"

	"github.com/compresr/agent-gateway/internal/monitoring"
)

// relayStream forwards text as it arrives and holds tool-call chunks until
// the stream ends. Held calls are then evaluated: allowed calls are replayed
// verbatim in arrival order, a blocked call is replaced by a refusal text.
// The vendor end sequence is always written last, unless the upstream
// stream broke off: then nothing held is released and no end sequence is
// written, so the client sees a truncated stream rather than a clean one.
func (g *Gateway) relayStream(w http.ResponseWriter, r *http.Request, ex *exchange, resp *http.Response) int {
	ctx := r.Context()
	sa := ex.spec.NewStream(ex.req.Model())
	reader := ex.spec.NewChunkReader(resp)
	defer reader.Close()

	for k, v := range sa.SSEHeaders() {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	write := func(b []byte) {
		if len(b) == 0 {
			return
		}
		if _, err := w.Write(b); err != nil {
			g.logger.Ctx(ctx).Debug().Err(err).Msg("client write failed")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for reader.Next() {
		res := sa.ProcessChunk(reader.Chunk())
		if res.Err != nil {
			g.logger.Ctx(ctx).Warn().Err(res.Err).Msg("stream chunk error")
			if ex.record.Error == "" {
				ex.record.Error = res.Err.Error()
			}
		}
		write(res.SSEData)
	}

	if ctx.Err() != nil {
		g.logger.Ctx(ctx).Debug().Msg("client cancelled stream")
		return statusClientClosed
	}
	if err := reader.Err(); err != nil {
		g.logger.Ctx(ctx).Warn().Err(err).
			Int("held_tool_calls", len(sa.State().ToolCalls)).
			Msg("upstream stream broke off")
		ex.record.Error = err.Error()
		ex.incomplete = true
		g.metrics.RecordUpstreamError()
		g.requestLogger.LogResponse(&monitoring.ResponseInfo{
			RequestID:  ex.requestID,
			StatusCode: http.StatusBadGateway,
			Latency:    time.Since(ex.receivedAt),
		})
		return http.StatusBadGateway
	}

	state := sa.State()
	if m := state.Model; m != "" {
		ex.record.Model = m
	}
	if state.Usage != nil {
		ex.record.InputTokens, ex.record.OutputTokens = state.Usage.InputTokens, state.Usage.OutputTokens
	}

	if blocked, ok := g.firstBlockedCall(ctx, ex, state.ToolCallsCommon()); ok {
		write(sa.FormatCompleteTextSSE(blocked.RefusalMessage()))
		sa.MarkRefused()
	} else {
		for _, ev := range sa.RawToolCallEvents() {
			write(ev)
		}
	}
	write(sa.FormatEndSSE())

	g.requestLogger.LogResponse(&monitoring.ResponseInfo{
		RequestID:  ex.requestID,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(ex.receivedAt),
		Usage:      state.Usage,
	})
	g.logger.Ctx(ctx).Debug().
		Dur("ttfc", state.TimeToFirstChunk()).
		Int("tool_calls", len(state.ToolCalls)).
		Msg("stream complete")
	return resp.StatusCode
}

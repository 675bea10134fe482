package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/mcpgate/internal/auth"
	"github.com/gaspardpetit/mcpgate/internal/dispatch"
	"github.com/gaspardpetit/mcpgate/internal/logx"
)

func (h *Handler) serveDirect(w http.ResponseWriter, r *http.Request, body []byte, p auth.Principal) {
	flusher, canFlush := w.(http.Flusher)
	caller := dispatch.Caller{
		Principal:   p,
		Incremental: canFlush && wantsEventStream(r),
		Transport:   TransportDirect,
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestTimeout)
	defer cancel()

	out := h.disp.Dispatch(ctx, body, caller)
	if out.Stream == nil {
		writeOutcome(w, out)
		return
	}
	out.RateLimit.SetHeaders(w.Header())
	ew := startEvents(w, flusher)
	for env := range out.Stream.Envelopes() {
		b, err := json.Marshal(env)
		if err != nil {
			logx.Log.Error().Err(err).Msg("encode stream envelope")
			continue
		}
		if err := ew.event("message", b); err != nil {
			logx.Log.Debug().Err(err).Msg("client left during stream")
			return
		}
	}
}

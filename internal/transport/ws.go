package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/mcpgate/internal/dispatch"
	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/serverstate"
	"github.com/gaspardpetit/mcpgate/internal/wire"
)

// handleWS serves one WebSocket connection. Each text frame carries one
// envelope; calls run concurrently except initialize, which completes
// before the next frame is read.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	p, ok := h.authenticate(w, r, nil)
	if !ok {
		return
	}
	var opts *websocket.AcceptOptions
	if len(h.opts.AllowedOrigins) > 0 {
		opts = &websocket.AcceptOptions{OriginPatterns: h.opts.AllowedOrigins}
		if slices.Contains(h.opts.AllowedOrigins, "*") {
			opts.InsecureSkipVerify = true
		}
	}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	log := logx.Log.With().Str("tenant_id", p.TenantID).Str("transport", TransportWS).Logger()
	caller := dispatch.Caller{
		Principal:   p,
		Incremental: true,
		Session:     &dispatch.LocalSession{},
		Transport:   TransportWS,
	}

	var wmu sync.Mutex
	send := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		wmu.Lock()
		defer wmu.Unlock()
		return c.Write(ctx, websocket.MessageText, b)
	}
	deliver := func(out dispatch.Outcome) {
		if out.Stream != nil {
			for env := range out.Stream.Envelopes() {
				if err := send(env); err != nil {
					return
				}
			}
			return
		}
		if out.Response != nil {
			_ = send(out.Response)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				log.Info().Msg("disconnected")
			} else if ctx.Err() == nil {
				log.Debug().Err(err).Msg("disconnected")
			}
			cancel()
			return
		}
		if typ != websocket.MessageText {
			_ = c.Close(websocket.StatusUnsupportedData, "expected text frames")
			cancel()
			return
		}
		req, perr := wire.Parse(data)
		if perr != nil {
			_ = send(wire.NewError(nil, perr))
			continue
		}
		if req.Method == dispatch.MethodInitialize {
			deliver(h.disp.DispatchEnvelope(ctx, req, caller))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, callCancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
			defer callCancel()
			deliver(h.disp.DispatchEnvelope(callCtx, req, caller))
		}()
	}
}

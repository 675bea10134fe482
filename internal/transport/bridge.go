package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/mcpgate/internal/auth"
	"github.com/gaspardpetit/mcpgate/internal/dispatch"
	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/metrics"
	"github.com/gaspardpetit/mcpgate/internal/relay"
	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
	"github.com/gaspardpetit/mcpgate/internal/serverstate"
	"github.com/gaspardpetit/mcpgate/internal/wire"
)

// stopReason records why a session stream ended.
type stopReason string

const (
	stopIdle       stopReason = "idle"
	stopDisconnect stopReason = "disconnect"
	stopClosed     stopReason = "closed"
	stopRelay      stopReason = "relay_failure"
	stopShutdown   stopReason = "shutdown"
)

// directOnlyInfo is served on GET when no relay store is configured.
type directOnlyInfo struct {
	Name       string   `json:"name"`
	Transports []string `json:"transports"`
	Endpoint   string   `json:"endpoint"`
	Message    string   `json:"message"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, directOnlyInfo{
			Name:       "mcpgate",
			Transports: []string{TransportDirect, TransportWS},
			Endpoint:   h.opts.Path,
			Message:    "session streams are disabled; POST JSON-RPC requests to this endpoint",
		})
		return
	}
	if serverstate.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	p, ok := h.authenticate(w, r, nil)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, nil, rpcerr.New(rpcerr.KindInternal, "streaming unsupported"))
		return
	}

	ctx := r.Context()
	sid := uuid.NewString()
	now := h.now().UTC()
	meta := relay.Meta{
		TenantID:       p.TenantID,
		UserID:         p.UserID,
		Scopes:         p.Scopes,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := h.store.Open(ctx, sid, meta); err != nil {
		metrics.RecordRelayError("open")
		logx.Log.Error().Err(err).Str("tenant_id", p.TenantID).Msg("open session")
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	metrics.SessionOpened()
	defer metrics.SessionClosed()

	ew := startEvents(w, flusher)
	log := logx.Log.With().Str("session_id", sid).Str("tenant_id", p.TenantID).Logger()
	if err := ew.event("endpoint", []byte(h.endpointURL(r, sid))); err != nil {
		_ = h.store.Close(context.WithoutCancel(ctx), sid)
		return
	}
	log.Info().Msg("session opened")

	reason := h.poll(ctx, sid, ew)
	if reason != stopClosed {
		if err := h.store.Close(context.WithoutCancel(ctx), sid); err != nil {
			metrics.RecordRelayError("close")
			log.Warn().Err(err).Msg("close session")
		}
	}
	log.Info().Str("reason", string(reason)).Dur("age", h.now().Sub(now)).Msg("session stream ended")
}

// poll relays queued messages to the stream until the session ends.
//
// Wake-ups come from the poll ticker or, for stores that support it, from
// a push notification. Each wake-up drains the queue, writes every message
// and acknowledges them. Keep-alive comments do not count as activity.
func (h *Handler) poll(ctx context.Context, sid string, ew *eventWriter) stopReason {
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()
	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()

	var wake <-chan struct{}
	if n, ok := h.store.(relay.Notifier); ok {
		wake = n.Notify(sid)
	}

	lastActivity := h.now()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return stopDisconnect
		case <-h.done:
			return stopShutdown
		case <-keepAlive.C:
			if err := ew.comment("keep-alive"); err != nil {
				return stopDisconnect
			}
			continue
		case <-ticker.C:
		case <-wake:
		}

		n, err := h.relayOnce(ctx, sid, ew)
		switch {
		case errors.Is(err, relay.ErrSessionNotFound):
			return stopClosed
		case errors.Is(err, errStreamWrite):
			return stopDisconnect
		case err != nil:
			if ctx.Err() != nil {
				return stopDisconnect
			}
			failures++
			logx.Log.Warn().Err(err).Str("session_id", sid).Int("failures", failures).Msg("relay failed")
			if failures >= h.opts.RelayMaxFailures {
				return stopRelay
			}
			select {
			case <-ctx.Done():
				return stopDisconnect
			case <-h.done:
				return stopShutdown
			case <-time.After(h.opts.RelayBackoff):
			}
			continue
		}
		failures = 0
		if n > 0 {
			lastActivity = h.now()
		}
		if h.now().Sub(lastActivity) >= h.opts.IdleTimeout {
			return stopIdle
		}
	}
}

var errStreamWrite = errors.New("transport: stream write failed")

// relayOnce drains, writes and acknowledges one batch.
func (h *Handler) relayOnce(ctx context.Context, sid string, ew *eventWriter) (int, error) {
	msgs, err := h.store.Drain(ctx, sid)
	if err != nil {
		if !errors.Is(err, relay.ErrSessionNotFound) {
			metrics.RecordRelayError("drain")
		}
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	for _, m := range msgs {
		if err := ew.event("message", m); err != nil {
			return 0, errStreamWrite
		}
	}
	if err := h.store.Ack(ctx, sid, len(msgs)); err != nil {
		metrics.RecordRelayError("ack")
		return len(msgs), err
	}
	return len(msgs), nil
}

func (h *Handler) endpointURL(r *http.Request, sid string) string {
	base := strings.TrimRight(h.opts.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + h.opts.Path + "?sessionId=" + url.QueryEscape(sid)
}

// session resolves sid for p, answering the request itself on failure.
func (h *Handler) session(w http.ResponseWriter, r *http.Request, sid string, p auth.Principal, id json.RawMessage) (relay.Meta, bool) {
	if h.store == nil {
		writeError(w, id, rpcerr.New(rpcerr.KindNotFound, "session streams are disabled"))
		return relay.Meta{}, false
	}
	meta, err := h.store.Lookup(r.Context(), sid)
	if errors.Is(err, relay.ErrSessionNotFound) {
		writeError(w, id, rpcerr.New(rpcerr.KindNotFound, "unknown session: %s", sid))
		return relay.Meta{}, false
	}
	if err != nil {
		metrics.RecordRelayError("lookup")
		logx.Log.Error().Err(err).Str("session_id", sid).Msg("lookup session")
		writeError(w, id, rpcerr.Wrap(rpcerr.KindInternal, err, "session store unavailable"))
		return relay.Meta{}, false
	}
	if meta.TenantID != p.TenantID {
		logx.Log.Warn().Str("session_id", sid).Str("tenant_id", p.TenantID).Msg("session owned by another tenant")
		writeError(w, id, rpcerr.New(rpcerr.KindAuthorizationFailed, "session belongs to another tenant"))
		return relay.Meta{}, false
	}
	return meta, true
}

// serveBridged admits a call synchronously and executes it detached from
// the POST; its results travel through the relay store to the stream.
func (h *Handler) serveBridged(w http.ResponseWriter, r *http.Request, sid string, body []byte, p auth.Principal) {
	meta, ok := h.session(w, r, sid, p, wire.PeekID(body))
	if !ok {
		return
	}
	caller := dispatch.Caller{
		Principal:   p,
		Incremental: true,
		Session:     &bridgeSession{store: h.store, id: sid, meta: meta, now: h.now},
		Transport:   TransportSSE,
	}
	call, rejected := h.disp.Admit(r.Context(), body, caller)
	if rejected != nil {
		writeOutcome(w, *rejected)
		return
	}
	call.RateLimit.SetHeaders(w.Header())
	w.WriteHeader(http.StatusAccepted)

	// The handler outlives the POST and the session stream; only the
	// request timeout bounds it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.RequestTimeout)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer cancel()
		h.execBridged(ctx, sid, call)
	}()
}

func (h *Handler) execBridged(ctx context.Context, sid string, call *dispatch.Call) {
	out := h.disp.Execute(ctx, call)
	if out.Stream != nil {
		dropped := false
		for env := range out.Stream.Envelopes() {
			if !dropped && !h.push(ctx, sid, env) {
				dropped = true
			}
		}
		return
	}
	if out.Response != nil {
		h.push(ctx, sid, out.Response)
	}
}

// push queues env for the session stream. Messages for a closed session
// are dropped.
func (h *Handler) push(ctx context.Context, sid string, env any) bool {
	b, err := json.Marshal(env)
	if err != nil {
		logx.Log.Error().Err(err).Str("session_id", sid).Msg("encode envelope")
		return false
	}
	err = h.store.Push(ctx, sid, b)
	switch {
	case err == nil:
		return true
	case errors.Is(err, relay.ErrSessionNotFound):
		logx.Log.Info().Str("session_id", sid).Msg("session closed; dropping result")
	default:
		metrics.RecordRelayError("push")
		logx.Log.Error().Err(err).Str("session_id", sid).Msg("push result")
	}
	return false
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sessionId")
	if sid == "" {
		writeError(w, nil, rpcerr.New(rpcerr.KindInvalidRequest, "sessionId is required"))
		return
	}
	p, ok := h.authenticate(w, r, nil)
	if !ok {
		return
	}
	if _, ok := h.session(w, r, sid, p, nil); !ok {
		return
	}
	if err := h.store.Close(r.Context(), sid); err != nil {
		metrics.RecordRelayError("close")
		writeError(w, nil, rpcerr.Wrap(rpcerr.KindInternal, err, "session store unavailable"))
		return
	}
	logx.Log.Info().Str("session_id", sid).Str("tenant_id", p.TenantID).Msg("session closed by client")
	w.WriteHeader(http.StatusNoContent)
}

// bridgeSession exposes a relay session record to the dispatcher. The
// initialized flag is read from the snapshot taken when the call was
// admitted.
type bridgeSession struct {
	store relay.Store
	id    string
	meta  relay.Meta
	now   func() time.Time
}

func (s *bridgeSession) Initialized() bool { return s.meta.Initialized }

func (s *bridgeSession) MarkInitialized(ctx context.Context, protocolVersion string) error {
	meta, err := s.store.Lookup(ctx, s.id)
	if err != nil {
		return err
	}
	meta.Initialized = true
	meta.ProtocolVersion = protocolVersion
	meta.LastActivityAt = s.now().UTC()
	if err := s.store.Update(ctx, s.id, meta); err != nil {
		return err
	}
	s.meta = meta
	return nil
}

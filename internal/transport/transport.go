// Package transport exposes the dispatcher over HTTP: direct
// request/response, the SSE session bridge and WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/mcpgate/internal/auth"
	"github.com/gaspardpetit/mcpgate/internal/dispatch"
	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/relay"
	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
	"github.com/gaspardpetit/mcpgate/internal/wire"
)

// Transport labels used in logs and metrics.
const (
	TransportDirect = "direct"
	TransportSSE    = "sse"
	TransportWS     = "ws"
)

// Options tunes the transports. Zero values take the defaults below.
type Options struct {
	// Path is the endpoint the routes are mounted on.
	Path string
	// PublicURL is the externally visible base URL used to build the
	// session endpoint. When empty it is derived from the request.
	PublicURL        string
	MaxBodyBytes     int64
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	IdleTimeout      time.Duration
	RelayBackoff     time.Duration
	RelayMaxFailures int
	KeepAlive        time.Duration
	// AllowedOrigins restricts WebSocket upgrades. "*" accepts any origin.
	AllowedOrigins []string
}

func (o *Options) setDefaults() {
	if o.Path == "" {
		o.Path = "/mcp"
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.RelayBackoff <= 0 {
		o.RelayBackoff = time.Second
	}
	if o.RelayMaxFailures <= 0 {
		o.RelayMaxFailures = 5
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
}

// Handler serves every transport for one dispatcher.
type Handler struct {
	disp  *dispatch.Dispatcher
	authn auth.Authenticator
	store relay.Store
	opts  Options
	now   func() time.Time

	inflight  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Handler. store may be nil, which disables the session
// bridge; authn may be nil, which admits every caller anonymously.
func New(d *dispatch.Dispatcher, authn auth.Authenticator, store relay.Store, opts Options) *Handler {
	opts.setDefaults()
	if authn == nil {
		authn = auth.Anonymous{TenantID: "anonymous", Scopes: []string{"*"}}
	}
	return &Handler{
		disp:  d,
		authn: authn,
		store: store,
		opts:  opts,
		now:   time.Now,
		done:  make(chan struct{}),
	}
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	p := h.opts.Path
	r.Post(p, h.handlePost)
	r.Get(p, h.handleStream)
	r.Delete(p, h.handleDelete)
	r.Options(p, handleOptions)
	r.Get(p+"/ws", h.handleWS)
	r.Options(p+"/ws", handleOptions)
}

// Close ends every open session stream. Bridged calls already admitted
// keep running; use Wait to let them finish.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Wait blocks until detached bridged calls have finished or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	p, ok := h.authenticate(w, r, body)
	if !ok {
		return
	}
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		h.serveBridged(w, r, sid, body, p)
		return
	}
	h.serveDirect(w, r, body, p)
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Allow", "GET, POST, DELETE, OPTIONS")
	if hdr.Get("Access-Control-Allow-Origin") == "" {
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, Accept")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e := rpcerr.New(rpcerr.KindInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
			writeJSON(w, http.StatusRequestEntityTooLarge, wire.NewError(nil, e))
			return nil, false
		}
		writeError(w, nil, rpcerr.New(rpcerr.KindParse, "could not read request body"))
		return nil, false
	}
	return body, true
}

// authenticate resolves the caller. Failures are answered with an
// AUTHENTICATION_REQUIRED envelope echoing the request id when it can be
// read from body.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, body []byte) (auth.Principal, bool) {
	p, err := h.authn.Authenticate(r)
	if err == nil {
		return p, true
	}
	msg := "authentication required"
	if errors.Is(err, auth.ErrInvalidCredentials) {
		msg = "invalid credentials"
	}
	logx.Log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate"`)
	writeError(w, wire.PeekID(body), rpcerr.New(rpcerr.KindAuthenticationRequired, "%s", msg))
	return auth.Principal{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, id json.RawMessage, e *rpcerr.Error) {
	writeJSON(w, e.Kind.Status(), wire.NewError(id, e))
}

// writeOutcome renders a non-streaming outcome.
func writeOutcome(w http.ResponseWriter, out dispatch.Outcome) {
	out.RateLimit.SetHeaders(w.Header())
	if out.Response == nil {
		w.WriteHeader(out.Status)
		return
	}
	writeJSON(w, out.Status, out.Response)
}

// wantsEventStream reports whether a streaming result may be delivered as
// text/event-stream. Only an Accept header that names concrete types and
// excludes event streams opts out.
func wantsEventStream(r *http.Request) bool {
	accept := strings.TrimSpace(r.Header.Get("Accept"))
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		switch mt {
		case "text/event-stream", "text/*", "*/*":
			return true
		}
	}
	return false
}

// Package dispatch routes parsed JSON-RPC envelopes to the capability
// registry and renders every outcome, success or failure, as an envelope
// plus the HTTP status its transport should use.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gaspardpetit/mcpgate/internal/auth"
	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/metrics"
	"github.com/gaspardpetit/mcpgate/internal/ratelimit"
	"github.com/gaspardpetit/mcpgate/internal/registry"
	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
	"github.com/gaspardpetit/mcpgate/internal/wire"
)

// Method names understood by the dispatcher.
const (
	MethodInitialize        = "initialize"
	MethodInitialized       = "initialized"
	MethodNotifyInitialized = "notifications/initialized"
	MethodPing              = "ping"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	MethodResourcesList     = "resources/list"
	MethodResourcesRead     = "resources/read"
	MethodPromptsList       = "prompts/list"
	MethodPromptsGet        = "prompts/get"

	// MethodToolChunk carries one partial result of a streaming tool.
	MethodToolChunk = "notifications/tools/chunk"
)

// Limiter is the quota check consulted before any handler runs.
type Limiter interface {
	Check(ctx context.Context, tenantID, method, toolName string) (ratelimit.Result, error)
}

// SessionState is the lifecycle view of the session a call belongs to.
type SessionState interface {
	Initialized() bool
	MarkInitialized(ctx context.Context, protocolVersion string) error
}

// Caller describes who is calling and how results can be delivered.
type Caller struct {
	Principal auth.Principal
	// Incremental is set when the transport can deliver partial results.
	Incremental bool
	// Session is nil for stateless direct calls.
	Session   SessionState
	Transport string
}

// Call is an admitted request waiting to be executed.
type Call struct {
	Request   *wire.Request
	Caller    Caller
	RateLimit ratelimit.Result
	tool      string
}

// Outcome is the rendered result of a call.
//
// Response is nil for notifications and for streams. Rejected marks
// outcomes produced before any handler ran (parse, validation or quota).
type Outcome struct {
	Response  *wire.Response
	Stream    *Stream
	Status    int
	RateLimit ratelimit.Result
	Rejected  bool
	err       *rpcerr.Error
}

// Err returns the error the outcome renders, if any.
func (o Outcome) Err() *rpcerr.Error { return o.err }

// Options configures a Dispatcher.
type Options struct {
	ServerName    string
	ServerVersion string
	Instructions  string
}

// Dispatcher is stateless per call; session ordering is carried by the
// Caller.
type Dispatcher struct {
	reg     *registry.Registry
	limiter Limiter
	opts    Options
}

// New constructs a Dispatcher. limiter may be nil to disable quotas.
func New(reg *registry.Registry, limiter Limiter, opts Options) *Dispatcher {
	if opts.ServerName == "" {
		opts.ServerName = "mcpgate"
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = "dev"
	}
	return &Dispatcher{reg: reg, limiter: limiter, opts: opts}
}

// Dispatch parses raw, admits it and executes it.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, caller Caller) Outcome {
	call, rejected := d.Admit(ctx, raw, caller)
	if rejected != nil {
		return *rejected
	}
	return d.Execute(ctx, call)
}

// DispatchEnvelope admits and executes an already parsed envelope.
func (d *Dispatcher) DispatchEnvelope(ctx context.Context, req *wire.Request, caller Caller) Outcome {
	call, rejected := d.AdmitEnvelope(ctx, req, caller)
	if rejected != nil {
		return *rejected
	}
	return d.Execute(ctx, call)
}

// Admit parses raw and runs the quota check. Exactly one of the return
// values is non-nil.
func (d *Dispatcher) Admit(ctx context.Context, raw []byte, caller Caller) (*Call, *Outcome) {
	req, perr := wire.Parse(raw)
	if perr != nil {
		metrics.RecordRequest("", perr.Kind.String())
		return nil, &Outcome{
			Response: wire.NewError(nil, perr),
			Status:   perr.Kind.Status(),
			Rejected: true,
			err:      perr,
		}
	}
	return d.AdmitEnvelope(ctx, req, caller)
}

// AdmitEnvelope runs the quota check for req.
func (d *Dispatcher) AdmitEnvelope(ctx context.Context, req *wire.Request, caller Caller) (*Call, *Outcome) {
	call := &Call{Request: req, Caller: caller}
	if req.Method == MethodToolsCall {
		call.tool = peekToolName(req.Params)
	}
	if d.limiter == nil {
		call.RateLimit = ratelimit.Result{Allowed: true, Exempt: true}
		return call, nil
	}
	res, err := d.limiter.Check(ctx, caller.Principal.TenantID, req.Method, call.tool)
	call.RateLimit = res
	if err == nil {
		return call, nil
	}
	e := rpcerr.From(err)
	if e.Kind == rpcerr.KindRateLimited {
		metrics.RecordRateLimited(res.Tier)
		logx.Log.Info().Str("tenant_id", caller.Principal.TenantID).Str("method", req.Method).
			Str("tool", call.tool).Str("tier", res.Tier).Msg("rate limited")
	} else {
		metrics.RecordQuotaStoreError()
		logx.Log.Error().Err(err).Str("tenant_id", caller.Principal.TenantID).Msg("quota check failed")
	}
	metrics.RecordRequest(req.Method, e.Kind.String())
	out := d.errorOutcome(req, e)
	out.RateLimit = res
	out.Rejected = true
	return nil, &out
}

// Execute routes an admitted call. Handler errors and panics are converted
// into error envelopes; Execute itself never panics.
func (d *Dispatcher) Execute(ctx context.Context, call *Call) (out Outcome) {
	req := call.Request
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			logx.Log.Error().Interface("panic", v).Str("method", req.Method).Str("tool", call.tool).
				Msg("handler panicked")
			out = d.errorOutcome(req, rpcerr.Panic(v))
		}
		out.RateLimit = call.RateLimit
		if out.Stream == nil {
			outcome := "ok"
			if out.err != nil {
				outcome = out.err.Kind.String()
			}
			metrics.RecordRequest(req.Method, outcome)
			metrics.ObserveDuration(req.Method, call.Caller.Transport, time.Since(start))
		}
	}()

	if s := call.Caller.Session; s != nil && !s.Initialized() && !allowedBeforeInit(req.Method) {
		return d.errorOutcome(req, rpcerr.New(rpcerr.KindInvalidRequest, "session not initialized: call initialize first"))
	}

	result, stream, err := d.route(ctx, call)
	if err != nil {
		e := rpcerr.From(err)
		if e.Kind == rpcerr.KindInternal {
			logx.Log.Error().Err(err).Str("method", req.Method).Str("tool", call.tool).
				Str("id", wire.IDString(req.ID)).Msg("handler failed")
		}
		return d.errorOutcome(req, e)
	}
	if stream != nil {
		stream.start = start
		return Outcome{Stream: stream, Status: http.StatusOK}
	}
	if req.IsNotification() {
		return Outcome{Status: http.StatusAccepted}
	}
	return Outcome{Response: wire.NewResult(req.ID, result), Status: http.StatusOK}
}

func (d *Dispatcher) route(ctx context.Context, call *Call) (any, *Stream, error) {
	req := call.Request
	switch req.Method {
	case MethodInitialize:
		res, err := d.initialize(ctx, call)
		return res, nil, err
	case MethodInitialized, MethodNotifyInitialized:
		return nil, nil, nil
	case MethodPing:
		return map[string]string{"status": "ok"}, nil, nil
	case MethodToolsList:
		return d.listTools(), nil, nil
	case MethodToolsCall:
		return d.callTool(ctx, call)
	case MethodResourcesList:
		return d.listResources(), nil, nil
	case MethodResourcesRead:
		res, err := d.readResource(ctx, call)
		return res, nil, err
	case MethodPromptsList:
		return d.listPrompts(), nil, nil
	case MethodPromptsGet:
		res, err := d.getPrompt(ctx, call)
		return res, nil, err
	default:
		if req.IsNotification() {
			logx.Log.Debug().Str("method", req.Method).Msg("ignoring unknown notification")
			return nil, nil, nil
		}
		return nil, nil, rpcerr.New(rpcerr.KindMethodNotFound, "method not found: %s", req.Method)
	}
}

func allowedBeforeInit(method string) bool {
	switch method {
	case MethodInitialize, MethodInitialized, MethodNotifyInitialized, MethodPing:
		return true
	}
	return false
}

// errorOutcome renders e for req. Notifications get no envelope, only the
// status.
func (d *Dispatcher) errorOutcome(req *wire.Request, e *rpcerr.Error) Outcome {
	if req.IsNotification() {
		return Outcome{Status: e.Kind.Status(), err: e}
	}
	return Outcome{Response: wire.NewError(req.ID, e), Status: e.Kind.Status(), err: e}
}

func peekToolName(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return ""
	}
	return p.Name
}

// LocalSession is an in-process SessionState, used by connection-scoped
// transports.
type LocalSession struct {
	mu              sync.Mutex
	initialized     bool
	protocolVersion string
}

func (s *LocalSession) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *LocalSession) MarkInitialized(_ context.Context, protocolVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.protocolVersion = protocolVersion
	return nil
}

// ProtocolVersion returns the negotiated version, if any.
func (s *LocalSession) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

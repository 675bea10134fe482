// Package ratelimit enforces per-tenant call quotas before any handler runs.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gaspardpetit/mcpgate/internal/logx"
	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
)

// exempt lists the methods that never consume quota. Matching is exact so
// a mutating method with a similar name is never exempted by accident.
var exempt = map[string]struct{}{
	"ping":           {},
	"tools/list":     {},
	"resources/list": {},
	"prompts/list":   {},
}

// Exempt reports whether method bypasses quota.
func Exempt(method string) bool {
	_, ok := exempt[method]
	return ok
}

// Policy is a fixed-window allowance. A non-positive Limit disables it.
type Policy struct {
	Limit  int64         `yaml:"limit" toml:"limit"`
	Window time.Duration `yaml:"window" toml:"window"`
}

// Store atomically increments key and returns the new count and the time
// left in its window. The window starts on the first increment.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// TierResolver maps a tool name to its declared tier.
type TierResolver interface {
	ToolTier(name string) (string, bool)
}

// Result is the outcome of one check.
type Result struct {
	Allowed   bool
	Exempt    bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	Tier      string
}

// DefaultTier names the tenant-wide allowance in results and metrics.
const DefaultTier = "default"

// Options configures a Limiter.
type Options struct {
	Default   Policy
	Tiers     map[string]Policy
	FailOpen  bool
	KeyPrefix string
}

// Limiter checks quotas against a Store.
type Limiter struct {
	store    Store
	tiers    TierResolver
	def      Policy
	policies map[string]Policy
	failOpen bool
	prefix   string
	now      func() time.Time
}

// New constructs a Limiter. tiers may be nil when no tool declares a tier.
func New(store Store, tiers TierResolver, opts Options) *Limiter {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "mcpgate:rl:"
	}
	return &Limiter{
		store:    store,
		tiers:    tiers,
		def:      opts.Default,
		policies: opts.Tiers,
		failOpen: opts.FailOpen,
		prefix:   prefix,
		now:      time.Now,
	}
}

// Check consumes one unit for tenantID calling method (and toolName for
// tools/call). A rejection returns the result together with a
// RATE_LIMITED error carrying the reset metadata.
//
// The tenant-wide allowance is checked first, so a call it rejects never
// spends tier quota. Tools declaring the same tier share one counter per
// tenant.
func (l *Limiter) Check(ctx context.Context, tenantID, method, toolName string) (Result, error) {
	if Exempt(method) {
		return Result{Allowed: true, Exempt: true}, nil
	}

	var defRes *Result
	if l.def.Limit > 0 {
		key := l.prefix + tenantID + "|" + method
		res, err := l.consume(ctx, key, DefaultTier, l.def)
		if err != nil {
			return l.storeFailure(err, key)
		}
		if !res.Allowed {
			return res, rejection(res)
		}
		defRes = &res
	}

	tier, p, ok := l.toolTier(toolName)
	if !ok {
		if defRes != nil {
			return *defRes, nil
		}
		return Result{Allowed: true, Exempt: true}, nil
	}
	key := l.prefix + tenantID + "|tier:" + tier
	res, err := l.consume(ctx, key, tier, p)
	if err != nil {
		return l.storeFailure(err, key)
	}
	if !res.Allowed {
		return res, rejection(res)
	}
	if defRes != nil && defRes.Remaining < res.Remaining {
		return *defRes, nil
	}
	return res, nil
}

// toolTier returns the enforced tier policy for toolName, if any.
func (l *Limiter) toolTier(toolName string) (string, Policy, bool) {
	if toolName == "" || l.tiers == nil {
		return "", Policy{}, false
	}
	tier, ok := l.tiers.ToolTier(toolName)
	if !ok {
		return "", Policy{}, false
	}
	p, ok := l.policies[tier]
	if !ok || p.Limit <= 0 {
		return "", Policy{}, false
	}
	return tier, p, true
}

func (l *Limiter) consume(ctx context.Context, key, tier string, p Policy) (Result, error) {
	window := p.Window
	if window <= 0 {
		window = time.Minute
	}
	n, ttl, err := l.store.Incr(ctx, key, window)
	if err != nil {
		return Result{}, err
	}
	if ttl <= 0 {
		ttl = window
	}
	remaining := p.Limit - n
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   n <= p.Limit,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   l.now().Add(ttl),
		Tier:      tier,
	}, nil
}

func (l *Limiter) storeFailure(err error, key string) (Result, error) {
	if l.failOpen {
		logx.Log.Warn().Err(err).Str("key", key).Msg("quota store unavailable; allowing call")
		return Result{Allowed: true, Exempt: true}, nil
	}
	return Result{}, rpcerr.Wrap(rpcerr.KindInternal, err, "quota check unavailable")
}

func rejection(res Result) error {
	retry := int64(time.Until(res.ResetAt).Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	return rpcerr.New(rpcerr.KindRateLimited, "rate limit exceeded; retry after %ds", retry).WithData(map[string]any{
		"tier":       res.Tier,
		"limit":      res.Limit,
		"remaining":  0,
		"resetAt":    res.ResetAt.UTC().Format(time.RFC3339),
		"retryAfter": retry,
	})
}

// Header names attached to every non-exempt response.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// SetHeaders writes the standard rate-limit headers. Exempt results write
// nothing.
func (r Result) SetHeaders(h http.Header) {
	if r.Exempt || r.Limit == 0 {
		return
	}
	h.Set(HeaderLimit, strconv.FormatInt(r.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(r.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(r.ResetAt.Unix(), 10))
	if !r.Allowed {
		retry := int64(time.Until(r.ResetAt).Round(time.Second) / time.Second)
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", strconv.FormatInt(retry, 10))
	}
}

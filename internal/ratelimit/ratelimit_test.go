package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
)

type tierMap map[string]string

func (m tierMap) ToolTier(name string) (string, bool) {
	t, ok := m[name]
	return t, ok
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func TestExemptIsExactMatch(t *testing.T) {
	for _, m := range []string{"ping", "tools/list", "resources/list", "prompts/list"} {
		if !Exempt(m) {
			t.Fatalf("%s should be exempt", m)
		}
	}
	for _, m := range []string{"tools/list_delete", "Ping", "tools/call", "tools/listx", " ping"} {
		if Exempt(m) {
			t.Fatalf("%q must not be exempt", m)
		}
	}
}

func TestCheckExhaustsQuota(t *testing.T) {
	l := New(NewMemoryStore(), nil, Options{Default: Policy{Limit: 2, Window: time.Minute}})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "acme", "tools/call", "")
		if err != nil || !res.Allowed {
			t.Fatalf("call %d rejected: %v", i, err)
		}
		if res.Remaining != int64(1-i) {
			t.Fatalf("remaining = %d", res.Remaining)
		}
	}
	res, err := l.Check(ctx, "acme", "tools/call", "")
	if res.Allowed {
		t.Fatalf("third call should be rejected")
	}
	if rpcerr.KindOf(err) != rpcerr.KindRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if res.Remaining != 0 || res.ResetAt.IsZero() {
		t.Fatalf("rejection must carry reset metadata: %+v", res)
	}

	// Another tenant is unaffected.
	if res, err := l.Check(ctx, "globex", "tools/call", ""); err != nil || !res.Allowed {
		t.Fatalf("other tenant rejected: %v", err)
	}
	// Listing is exempt even for the exhausted tenant.
	if res, err := l.Check(ctx, "acme", "ping", ""); err != nil || !res.Exempt {
		t.Fatalf("ping should be exempt: %+v %v", res, err)
	}
}

func TestToolTierIsStricter(t *testing.T) {
	l := New(NewMemoryStore(), tierMap{"export": "expensive"}, Options{
		Default: Policy{Limit: 100, Window: time.Minute},
		Tiers:   map[string]Policy{"expensive": {Limit: 1, Window: time.Hour}},
	})
	ctx := context.Background()
	res, err := l.Check(ctx, "acme", "tools/call", "export")
	if err != nil || !res.Allowed {
		t.Fatalf("first export rejected: %v", err)
	}
	if res.Tier != "expensive" || res.Remaining != 0 {
		t.Fatalf("expected the tier result to be reported, got %+v", res)
	}
	res, err = l.Check(ctx, "acme", "tools/call", "export")
	if err == nil || res.Tier != "expensive" {
		t.Fatalf("second export should hit the tier: %+v %v", res, err)
	}
	if res, err := l.Check(ctx, "acme", "tools/call", "echo"); err != nil || !res.Allowed {
		t.Fatalf("untiered tool rejected: %v", err)
	}
}

func TestToolsShareTierAllowance(t *testing.T) {
	l := New(NewMemoryStore(), tierMap{"export": "expensive", "render": "expensive"}, Options{
		Tiers: map[string]Policy{"expensive": {Limit: 2, Window: time.Hour}},
	})
	ctx := context.Background()
	if _, err := l.Check(ctx, "acme", "tools/call", "export"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := l.Check(ctx, "acme", "tools/call", "render"); err != nil {
		t.Fatalf("render: %v", err)
	}
	res, err := l.Check(ctx, "acme", "tools/call", "export")
	if rpcerr.KindOf(err) != rpcerr.KindRateLimited || res.Tier != "expensive" {
		t.Fatalf("third call in the tier should be rejected: %+v %v", res, err)
	}
	if _, err := l.Check(ctx, "globex", "tools/call", "render"); err != nil {
		t.Fatalf("other tenant rejected: %v", err)
	}
}

func TestDefaultRejectionSparesTierQuota(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, tierMap{"export": "expensive"}, Options{
		Default: Policy{Limit: 1, Window: time.Hour},
		Tiers:   map[string]Policy{"expensive": {Limit: 5, Window: time.Hour}},
	})
	ctx := context.Background()
	if _, err := l.Check(ctx, "acme", "tools/call", "export"); err != nil {
		t.Fatalf("first: %v", err)
	}
	for range 3 {
		res, err := l.Check(ctx, "acme", "tools/call", "export")
		if err == nil || res.Tier != DefaultTier {
			t.Fatalf("default allowance should reject: %+v %v", res, err)
		}
	}
	n, _, err := store.Incr(ctx, "mcpgate:rl:acme|tier:expensive", time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("tier counter = %d, %v; want only the admitted call spent", n, err)
	}
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "redis": NewRedisStore(client)} {
		t.Run(name, func(t *testing.T) {
			l := New(store, nil, Options{Default: Policy{Limit: 10, Window: time.Minute}})
			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if res, err := l.Check(context.Background(), "acme", "resources/read", ""); err == nil && res.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			if allowed.Load() != 10 {
				t.Fatalf("allowed %d calls; want 10", allowed.Load())
			}
		})
	}
}

func TestRedisStoreWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client)
	ctx := context.Background()

	n, ttl, err := s.Incr(ctx, "k", 30*time.Second)
	if err != nil || n != 1 {
		t.Fatalf("Incr = %d, %v", n, err)
	}
	if ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("ttl = %s", ttl)
	}
	n, _, _ = s.Incr(ctx, "k", 30*time.Second)
	if n != 2 {
		t.Fatalf("second Incr = %d", n)
	}
	mr.FastForward(31 * time.Second)
	n, _, _ = s.Incr(ctx, "k", 30*time.Second)
	if n != 1 {
		t.Fatalf("window did not reset, count = %d", n)
	}
}

func TestMemoryStoreWindow(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	_, _, _ = s.Incr(ctx, "k", time.Second)
	n, _, _ := s.Incr(ctx, "k", time.Second)
	if n != 2 {
		t.Fatalf("count = %d", n)
	}
	now = now.Add(2 * time.Second)
	s.Prune()
	if len(s.counters) != 0 {
		t.Fatalf("expired window not pruned")
	}
	n, _, _ = s.Incr(ctx, "k", time.Second)
	if n != 1 {
		t.Fatalf("count after expiry = %d", n)
	}
}

func TestStoreFailure(t *testing.T) {
	closed := New(failingStore{}, nil, Options{Default: Policy{Limit: 5}})
	if _, err := closed.Check(context.Background(), "acme", "tools/call", ""); rpcerr.KindOf(err) != rpcerr.KindInternal || err == nil {
		t.Fatalf("fail-closed limiter should return an internal error, got %v", err)
	}
	open := New(failingStore{}, nil, Options{Default: Policy{Limit: 5}, FailOpen: true})
	if res, err := open.Check(context.Background(), "acme", "tools/call", ""); err != nil || !res.Allowed {
		t.Fatalf("fail-open limiter rejected: %v", err)
	}
}

func TestSetHeaders(t *testing.T) {
	h := http.Header{}
	Result{Exempt: true, Allowed: true}.SetHeaders(h)
	if len(h) != 0 {
		t.Fatalf("exempt results must not set headers: %v", h)
	}
	reset := time.Now().Add(30 * time.Second)
	Result{Allowed: false, Limit: 10, Remaining: 0, ResetAt: reset}.SetHeaders(h)
	if h.Get(HeaderLimit) != "10" || h.Get(HeaderRemaining) != "0" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("Retry-After") == "" {
		t.Fatalf("rejection should set Retry-After")
	}
}

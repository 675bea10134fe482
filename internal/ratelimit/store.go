package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps counters in process. It suits single-instance
// deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*window
	now      func() time.Time
}

type window struct {
	count   int64
	expires time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: map[string]*window{}, now: time.Now}
}

func (m *MemoryStore) Incr(_ context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, ok := m.counters[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(d)}
		m.counters[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}

// Prune drops expired windows.
func (m *MemoryStore) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, w := range m.counters {
		if !now.Before(w.expires) {
			delete(m.counters, k)
		}
	}
}

// incrScript increments and starts the window in one round trip so
// concurrent callers can never both observe a count below the limit.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisStore keeps counters in Redis so every gateway instance shares them.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Incr(ctx context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, r.client, []string{key}, d.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

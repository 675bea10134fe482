package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "mcpgate:relay:"

// pushScript appends only while the session record exists, so nothing is
// queued for a session that has already been closed.
var pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisStore relays through Redis so the stream reader and the call-relay
// writer may live on different gateway instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. ttl bounds how long an abandoned session's
// keys survive; every drain refreshes it.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: ttl}
}

// A session's keys share the {id} hash tag so scripts and transactions
// touching both stay within one Redis Cluster slot.
func (r *RedisStore) metaKey(id string) string  { return r.prefix + "{" + id + "}:meta" }
func (r *RedisStore) queueKey(id string) string { return r.prefix + "{" + id + "}:queue" }

func (r *RedisStore) Open(ctx context.Context, sessionID string, meta Meta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.queueKey(sessionID))
		pipe.Set(ctx, r.metaKey(sessionID), b, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: open %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisStore) Lookup(ctx context.Context, sessionID string) (Meta, error) {
	b, err := r.client.Get(ctx, r.metaKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Meta{}, ErrSessionNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("relay: lookup %s: %w", sessionID, err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("relay: decode %s: %w", sessionID, err)
	}
	return m, nil
}

func (r *RedisStore) Update(ctx context.Context, sessionID string, meta Meta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	ok, err := updateScript.Run(ctx, r.client, []string{r.metaKey(sessionID)}, b, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("relay: update %s: %w", sessionID, err)
	}
	if ok == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *RedisStore) Push(ctx context.Context, sessionID string, msg []byte) error {
	keys := []string{r.metaKey(sessionID), r.queueKey(sessionID)}
	ok, err := pushScript.Run(ctx, r.client, keys, msg, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("relay: push %s: %w", sessionID, err)
	}
	if ok == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *RedisStore) Drain(ctx context.Context, sessionID string) ([][]byte, error) {
	var exists *redis.IntCmd
	var items *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, r.metaKey(sessionID))
		items = pipe.LRange(ctx, r.queueKey(sessionID), 0, -1)
		pipe.PExpire(ctx, r.metaKey(sessionID), r.ttl)
		pipe.PExpire(ctx, r.queueKey(sessionID), r.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: drain %s: %w", sessionID, err)
	}
	if exists.Val() == 0 {
		return nil, ErrSessionNotFound
	}
	vals := items.Val()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Ack(ctx context.Context, sessionID string, n int) error {
	if n <= 0 {
		return nil
	}
	if err := r.client.LTrim(ctx, r.queueKey(sessionID), int64(n), -1).Err(); err != nil {
		return fmt.Errorf("relay: ack %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisStore) Close(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.metaKey(sessionID), r.queueKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("relay: close %s: %w", sessionID, err)
	}
	return nil
}

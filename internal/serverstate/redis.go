package serverstate

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const redisKey = "mcpgate:state"

type redisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore keeps the state in Redis. The key is initialized to
// not_ready if it does not exist.
func NewRedisStore(ctx context.Context, client redis.UniversalClient) Store {
	rs := &redisStore{client: client, key: redisKey}
	b, _ := json.Marshal(State{Status: "not_ready"})
	_ = client.SetNX(ctx, rs.key, b, 0).Err()
	return rs
}

func (r *redisStore) Load(ctx context.Context) State {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: "not_ready"}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Save(ctx context.Context, s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, r.key, b, 0).Err()
}

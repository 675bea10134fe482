package serverstate

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStore(t *testing.T) {
	prev := store()
	UseStore(NewMemoryStore())
	defer UseStore(prev)

	if got := GetState(); got != "not_ready" {
		t.Fatalf("initial state = %q; want %q", got, "not_ready")
	}
	if IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}

	SetState("ready")
	if got := GetState(); got != "ready" {
		t.Fatalf("state after SetState = %q; want %q", got, "ready")
	}

	StartDrain()
	if got := GetState(); got != "draining" {
		t.Fatalf("state after StartDrain = %q; want %q", got, "draining")
	}
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}
}

func TestRedisStoreSharesDrain(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c1.Close()
	defer c2.Close()

	a := NewRedisStore(ctx, c1)
	b := NewRedisStore(ctx, c2)
	if st := b.Load(ctx); st.Status != "not_ready" {
		t.Fatalf("initial = %+v", st)
	}

	prev := store()
	UseStore(a)
	defer UseStore(prev)
	SetState("ready")
	StartDrain()

	if st := b.Load(ctx); !st.Draining || st.Status != "draining" {
		t.Fatalf("peer did not observe drain: %+v", st)
	}
}

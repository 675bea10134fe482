// Package serverstate tracks whether the gateway is accepting new streams.
package serverstate

import (
	"context"
	"sync"
)

// State is the readiness record reported by /healthz.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists State. The Redis store lets one instance's drain be seen
// by its peers.
type Store interface {
	Load(ctx context.Context) State
	Save(ctx context.Context, s State)
}

type memoryStore struct {
	mu sync.RWMutex
	st State
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return &memoryStore{st: State{Status: "not_ready"}}
}

func (m *memoryStore) Load(context.Context) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

func (m *memoryStore) Save(_ context.Context, s State) {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
}

var (
	activeMu sync.RWMutex
	active   = NewMemoryStore()
)

// UseStore replaces the backing store.
func UseStore(s Store) {
	activeMu.Lock()
	active = s
	activeMu.Unlock()
}

func store() Store {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

// SetState sets the status string, keeping the draining flag.
func SetState(s string) {
	ctx := context.Background()
	st := store().Load(ctx)
	st.Status = s
	store().Save(ctx, st)
}

// GetState returns the current status string.
func GetState() string {
	return store().Load(context.Background()).Status
}

// Snapshot returns the full state record.
func Snapshot() State {
	return store().Load(context.Background())
}

// StartDrain marks the server as draining.
func StartDrain() {
	store().Save(context.Background(), State{Status: "draining", Draining: true})
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return store().Load(context.Background()).Draining
}

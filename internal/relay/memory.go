package relay

import (
	"context"
	"sync"
)

type memSession struct {
	meta  Meta
	queue [][]byte
	wake  chan struct{}
}

// MemoryStore relays within one process. Both halves of a session must be
// served by the same gateway instance.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*memSession{}}
}

func (m *MemoryStore) Open(_ context.Context, sessionID string, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[sessionID]; ok {
		close(old.wake)
	}
	m.sessions[sessionID] = &memSession{meta: meta, wake: make(chan struct{}, 1)}
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, sessionID string) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Meta{}, ErrSessionNotFound
	}
	return s.meta, nil
}

func (m *MemoryStore) Update(_ context.Context, sessionID string, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.meta = meta
	return nil
}

func (m *MemoryStore) Push(_ context.Context, sessionID string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.queue = append(s.queue, msg)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryStore) Drain(_ context.Context, sessionID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([][]byte, len(s.queue))
	copy(out, s.queue)
	return out, nil
}

func (m *MemoryStore) Ack(_ context.Context, sessionID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if n > len(s.queue) {
		n = len(s.queue)
	}
	s.queue = s.queue[n:]
	return nil
}

func (m *MemoryStore) Close(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		close(s.wake)
		delete(m.sessions, sessionID)
	}
	return nil
}

// Notify returns a channel that receives after each push and is closed
// when the session closes. Unknown sessions yield a closed channel.
func (m *MemoryStore) Notify(sessionID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.wake
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Len reports the number of open sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

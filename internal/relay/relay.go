// Package relay hands bridged-session messages from the connection that
// produced them to the connection streaming them to the client.
//
// The store is a pass-through: sessions are owned by the transport, which
// opens and closes them. Drain does not remove messages; Ack does, once
// they have been written, so a crash between the two redelivers rather
// than loses.
package relay

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned for unknown or closed sessions.
var ErrSessionNotFound = errors.New("relay: session not found")

// Meta is the shared record of a bridged session.
type Meta struct {
	TenantID        string    `json:"tenant_id"`
	UserID          string    `json:"user_id,omitempty"`
	Scopes          []string  `json:"scopes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	Initialized     bool      `json:"initialized"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
}

// Store is the hand-off point between the call-relay writer and the
// stream reader of a session.
type Store interface {
	Open(ctx context.Context, sessionID string, meta Meta) error
	Lookup(ctx context.Context, sessionID string) (Meta, error)
	Update(ctx context.Context, sessionID string, meta Meta) error
	Push(ctx context.Context, sessionID string, msg []byte) error
	Drain(ctx context.Context, sessionID string) ([][]byte, error)
	Ack(ctx context.Context, sessionID string, n int) error
	Close(ctx context.Context, sessionID string) error
}

// Notifier is implemented by stores that can wake a reader as soon as a
// message is pushed instead of waiting for the next poll.
type Notifier interface {
	Notify(sessionID string) <-chan struct{}
}

// Package auth resolves the caller of a gateway request to a tenant.
//
// Credential validation is owned by whoever supplies the Authenticator;
// the implementations here cover static API keys, HS256 bearer tokens
// and session cookies carrying the same tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingCredentials means the request carried no credentials the
	// authenticator understands.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidCredentials means credentials were presented but rejected.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Principal identifies an authenticated caller.
type Principal struct {
	TenantID string
	UserID   string
	Scopes   []string
}

// Authenticator resolves a request to a Principal.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Principal, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Principal, error) { return f(r) }

// Chain tries each authenticator in order. An authenticator that finds no
// credentials defers to the next one; one that rejects presented
// credentials ends the chain.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (Principal, error) {
	for _, a := range c {
		p, err := a.Authenticate(r)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrMissingCredentials) {
			return Principal{}, err
		}
	}
	return Principal{}, ErrMissingCredentials
}

// Anonymous admits every request as the same principal. It is meant for
// local development and as the last link of a Chain.
type Anonymous Principal

func (a Anonymous) Authenticate(*http.Request) (Principal, error) {
	return Principal(a), nil
}

// APIKeys maps static keys to principals. Keys are read from X-API-Key or
// from a bearer token.
type APIKeys map[string]Principal

func (k APIKeys) Authenticate(r *http.Request) (Principal, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = ExtractBearer(r)
	}
	if key == "" {
		return Principal{}, ErrMissingCredentials
	}
	p, ok := k[key]
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return p, nil
}

// ExtractBearer returns the bearer token of r, if any.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type ctxKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

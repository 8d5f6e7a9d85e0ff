// Package session implements the Code/Session Store: an
// opaque-value KV with TTL semantics, pluggable between an in-memory
// backend and Redis, holding auth codes, refresh tokens, and login
// nonces.
package session

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes the three session categories the store tracks.
type Kind string

const (
	KindCode       Kind = "code"
	KindRefresh    Kind = "refresh"
	KindLoginNonce Kind = "login-nonce"
)

// ErrCodeTaken is returned by Push when value already exists under kind.
var ErrCodeTaken = errors.New("session: code already taken")

// PKCE captures a code challenge and its method, carried on a code
// session.
type PKCE struct {
	Challenge string
	Method    string // "plain" or "S256"
}

// Session is the payload stored under an opaque value such as an
// authorization code, refresh token, or login nonce.
type Session struct {
	Kind        Kind
	PKCE        *PKCE
	Scopes      []string
	Payload     map[string]any // captured signer.Payload, as a generic map to avoid an import cycle
	RedirectURI string
	State       string
	ClientID    string
	Tenant      string
	ExpiresAt   time.Time
}

// Store is the pluggable backend contract. Every operation may block on
// I/O.
type Store interface {
	// Push stores value -> session under kind with the given TTL. It
	// fails with ErrCodeTaken if value already exists under kind.
	Push(ctx context.Context, kind Kind, value string, s Session, ttl time.Duration) error

	// Get returns the session stored under value, or (Session{}, false)
	// if absent or expired. When consume is true, the entry is deleted
	// atomically as part of the read, giving at-most-once semantics.
	Get(ctx context.Context, kind Kind, value string, consume bool) (Session, bool, error)

	// IsHealthy reports whether the backend can currently serve
	// requests.
	IsHealthy(ctx context.Context) bool

	// Count returns the number of live entries under kind; may be an
	// approximation.
	Count(ctx context.Context, kind Kind) (int64, error)

	Close() error
}

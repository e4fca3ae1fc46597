// Package session implements the session lifecycle orchestrator: it obtains
// and validates the opaque session credential, persists it, owns the realtime
// channel opened with it, and tears everything down on logout or server
// revocation.
package session

import (
	"context"
	"time"

	"github.com/mindline-health/sessionkit/pkg/realtime"
)

// Session is the client's record of its current credential and
// authentication status. A present Session always has a non-empty token, and
// IsLoggedIn implies a non-empty UserID.
type Session struct {
	// Token is the opaque credential identifying this session to the server.
	Token string

	// UserID is set once an authenticated user is linked to the session.
	UserID string

	// IsLoggedIn reports whether the session is bound to a user.
	IsLoggedIn bool

	// ExpiresAt is when the server stops accepting the token.
	ExpiresAt time.Time
}

// Snapshot is the read-only state published to subscribers on every session
// or connection-state mutation.
type Snapshot struct {
	// Session is a copy of the current session, nil when none is held.
	Session *Session

	// ConnState is the realtime channel's connection state.
	ConnState realtime.State
}

// HasSession reports whether a session credential is held.
func (s Snapshot) HasSession() bool {
	return s.Session != nil && s.Session.Token != ""
}

// IsAuthenticated reports whether the session is bound to a logged-in user.
func (s Snapshot) IsAuthenticated() bool {
	return s.Session != nil && s.Session.IsLoggedIn
}

// Channel is the surface of the realtime channel the store drives. Satisfied
// by *realtime.Channel; tests substitute fakes through a ChannelFactory.
type Channel interface {
	Open(ctx context.Context) error
	Close()
	State() realtime.State
	Token() string
}

// ChannelFactory builds a channel for a token. The source and sink wire the
// channel back to the store.
type ChannelFactory func(token string, source realtime.TokenSource, sink realtime.Sink) Channel

// Package gateway provides the client for the platform auth gateway, the
// REST service that mints, validates, and invalidates session credentials.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// Credential is the result of minting a new anonymous session.
type Credential struct {
	// Token is the opaque credential string identifying the session.
	Token string `json:"token"`

	// ExpiresAt is when the credential stops being accepted.
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionInfo is the authoritative session state returned by a successful
// validation. The server is the source of truth for these fields.
type SessionInfo struct {
	Token      string    `json:"token"`
	UserID     string    `json:"userId"`
	IsLoggedIn bool      `json:"isLoggedIn"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Client is the interface for the auth gateway.
type Client interface {
	// AcquireSession mints a new anonymous session credential.
	AcquireSession(ctx context.Context) (Credential, error)

	// ValidateSession asks the gateway whether a token is still accepted.
	// A rejection is reported through the bool, never through the error;
	// the error is reserved for transport and server failures.
	ValidateSession(ctx context.Context, token string) (SessionInfo, bool, error)

	// Logout notifies the gateway that the session should be invalidated.
	// Best-effort: callers must perform local cleanup regardless of the
	// returned error.
	Logout(ctx context.Context, token string) error
}

// AcquisitionError wraps a network or server failure while minting a
// credential. It is propagated to the caller of acquire and never retried
// internally.
type AcquisitionError struct {
	Err error
}

// Error implements the error interface.
func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("session acquisition failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

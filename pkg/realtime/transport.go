package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/mindline-health/sessionkit/pkg/config"
)

// Transport is a single established realtime connection. Frames returns the
// incoming frame stream; the channel owning the transport is its only
// consumer. The stream is closed when the connection is lost, after which
// Err reports the terminal error.
type Transport interface {
	// Send writes one event frame to the server.
	Send(ctx context.Context, event string, payload any) error

	// Frames returns the incoming frame stream.
	Frames() <-chan Frame

	// Err returns the terminal error after Frames is closed, if any.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}

// DialFunc establishes one transport authenticated with the given token.
type DialFunc func(ctx context.Context, token string) (Transport, error)

// dialersFromConfig builds the dial functions for the configured transports,
// in preference order.
func dialersFromConfig(cfg config.RealtimeConfig, httpClient *http.Client) []DialFunc {
	dialers := make([]DialFunc, 0, len(cfg.Transports))
	for _, kind := range cfg.Transports {
		switch kind {
		case config.TransportWebSocket:
			dialers = append(dialers, func(ctx context.Context, token string) (Transport, error) {
				return DialWebSocket(ctx, cfg.URL, token, cfg.HandshakeTimeout)
			})
		case config.TransportSSE:
			dialers = append(dialers, func(ctx context.Context, token string) (Transport, error) {
				return DialSSE(ctx, cfg.URL, token, cfg.HandshakeTimeout, httpClient)
			})
		}
	}
	return dialers
}

// isAuthErrorMessage reports whether an error message indicates the token
// was rejected at the transport layer. Auth failures are not transient, so
// they abort reconnection immediately.
func isAuthErrorMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range []string{"auth", "token", "credential", "unauthorized", "forbidden"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

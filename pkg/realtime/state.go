package realtime

// State represents the connection state of a realtime channel.
type State string

const (
	// StateDisconnected means no transport is established.
	StateDisconnected State = "disconnected"

	// StateConnecting means the initial transport dial is in flight.
	StateConnecting State = "connecting"

	// StateConnected means the transport is established and the server has
	// accepted the session token.
	StateConnected State = "connected"

	// StateReconnecting means the transport was lost and bounded
	// reconnection attempts are running.
	StateReconnecting State = "reconnecting"

	// StateRevoked means the server revoked or invalidated the session.
	// Terminal for this channel instance; a later connect builds a new one.
	StateRevoked State = "revoked"
)

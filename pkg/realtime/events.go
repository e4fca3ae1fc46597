package realtime

import "encoding/json"

// Wire event names exchanged with the realtime backend. The server produces
// everything except WirePing; the client produces WireConnect (handshake)
// and WirePing (heartbeat).
const (
	WireConnect        = "connect"
	WireConnected      = "connected"
	WireDisconnect     = "disconnect"
	WireConnectError   = "connect_error"
	WirePing           = "ping"
	WirePong           = "pong"
	WireSessionRevoked = "session:revoked"
	WireSessionInvalid = "session:invalid"
)

// EventKind identifies an event delivered by the channel to its owner. The
// set is closed so handling can be exhaustively matched.
type EventKind int

const (
	// EventConnected: transport established and token accepted.
	EventConnected EventKind = iota

	// EventDisconnected: transport lost or closed; Reason carries the cause.
	EventDisconnected

	// EventConnectError: a dial or handshake failed; Err carries the cause.
	EventConnectError

	// EventServerRevoked: the server revoked the session.
	EventServerRevoked

	// EventServerInvalid: the server declared the session invalid.
	EventServerInvalid

	// EventPong: heartbeat reply; diagnostics only.
	EventPong
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectError:
		return "connect_error"
	case EventServerRevoked:
		return "server_revoked"
	case EventServerInvalid:
		return "server_invalid"
	case EventPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Event is a single channel event delivered to the owning session store.
type Event struct {
	Kind   EventKind
	Reason string
	Err    error
}

// Sink receives channel events. The channel calls the sink from a single
// goroutine, so implementations never see concurrent calls from one channel
// instance.
type Sink func(Event)

// TokenSource reports the token currently held by the owning session store,
// if any. Checked before every reconnection attempt so a channel whose
// session was cleared is abandoned instead of retried.
type TokenSource func() (string, bool)

// Frame is the wire envelope for one realtime event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectPayload is the connect-time auth payload carrying the session
// token. It rides in the first frame rather than a header because the
// transport is connection-oriented.
type ConnectPayload struct {
	Token string `json:"token"`
}

// ReasonPayload carries the reason for disconnect and revocation events.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload carries the message of a connect_error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

func decodeReason(data json.RawMessage) string {
	var p ReasonPayload
	if len(data) == 0 || json.Unmarshal(data, &p) != nil {
		return ""
	}
	return p.Reason
}

func decodeErrorMessage(data json.RawMessage) string {
	var p ErrorPayload
	if len(data) == 0 || json.Unmarshal(data, &p) != nil {
		return ""
	}
	return p.Message
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport implements Transport over a websocket connection. This is the
// primary duplex transport.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	frames    chan Frame
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// DialWebSocket dials the websocket endpoint under baseURL and performs the
// handshake by sending the connect frame carrying the token.
func DialWebSocket(ctx context.Context, baseURL, token string, handshakeTimeout time.Duration) (Transport, error) {
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t := &wsTransport{
		conn:   conn,
		frames: make(chan Frame, 16),
	}

	// Auth rides in the first frame, not a header.
	if err := t.Send(ctx, WireConnect, ConnectPayload{Token: token}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("websocket handshake failed: %w", err)
	}

	go t.readPump()
	return t, nil
}

// websocketURL converts the realtime base URL into the ws endpoint URL.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime URL scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/ws"
	return u.String(), nil
}

// readPump reads frames until the connection drops and closes the frame
// stream.
func (t *wsTransport) readPump() {
	defer close(t.frames)
	for {
		var f Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			t.setErr(err)
			return
		}
		t.frames <- f
	}
}

// Send writes one event frame.
func (t *wsTransport) Send(ctx context.Context, event string, payload any) error {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		f.Data = data
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}

	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Frames returns the incoming frame stream.
func (t *wsTransport) Frames() <-chan Frame {
	return t.frames
}

// Err returns the terminal read error, if any.
func (t *wsTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *wsTransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Close tears down the connection.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	return nil
}

var _ Transport = (*wsTransport)(nil)

package harness

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindline-health/sessionkit/pkg/realtime"
)

type websocketUpgrader = websocket.Upgrader

func newUpgrader() websocketUpgrader {
	return websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// eventConn is one attached realtime client, websocket or SSE.
type eventConn interface {
	send(f realtime.Frame) error
	close()
}

// wsConn wraps a websocket connection with a write lock.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) send(f realtime.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

// sseConn streams frames as named SSE events.
type sseConn struct {
	w       http.ResponseWriter
	flusher http.Flusher
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newSSEConn(w http.ResponseWriter) (*sseConn, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseConn{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, true
}

func (c *sseConn) send(f realtime.Frame) error {
	data := f.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("sse connection closed")
	default:
	}

	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", f.Event, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (b *Backend) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The first frame must be the connect handshake carrying the token.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello realtime.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var payload realtime.ConnectPayload
	_ = json.Unmarshal(hello.Data, &payload)

	c := &wsConn{conn: conn}

	if hello.Event != realtime.WireConnect || !b.tokenValid(payload.Token) {
		_ = c.send(errorFrame("invalid token"))
		c.close()
		return
	}

	b.attach(payload.Token, c)
	defer b.detach(payload.Token, c)

	_ = c.send(realtime.Frame{Event: realtime.WireConnected})

	for {
		var in realtime.Frame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		if in.Event == realtime.WirePing {
			_ = c.send(realtime.Frame{Event: realtime.WirePong})
		}
	}
}

func (b *Backend) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !b.tokenValid(token) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, ok := newSSEConn(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	b.attach(token, c)
	defer b.detach(token, c)

	_ = c.send(realtime.Frame{Event: realtime.WireConnected})

	select {
	case <-r.Context().Done():
	case <-c.done:
	}
}

// handleEvents receives upstream events from the SSE fallback transport.
func (b *Backend) handleEvents(w http.ResponseWriter, r *http.Request) {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data,omitempty"`
		Token string          `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !b.tokenValid(env.Token) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if env.Event == realtime.WirePing {
		b.broadcast(env.Token, realtime.Frame{Event: realtime.WirePong})
	}

	w.WriteHeader(http.StatusAccepted)
}

func (b *Backend) attach(token string, c eventConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[token] = append(b.conns[token], c)
}

func (b *Backend) detach(token string, c eventConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.conns[token]
	for i, existing := range conns {
		if existing == c {
			b.conns[token] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

func (b *Backend) takeConns(token string) []eventConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.conns[token]
	delete(b.conns, token)
	return conns
}

func (b *Backend) broadcast(token string, f realtime.Frame) {
	b.mu.Lock()
	conns := append([]eventConn(nil), b.conns[token]...)
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.send(f)
	}
}

// Revoke kills the session server-side and pushes session:revoked to every
// attached connection before dropping it.
func (b *Backend) Revoke(token, reason string) {
	b.RejectToken(token)
	for _, c := range b.takeConns(token) {
		_ = c.send(reasonFrame(realtime.WireSessionRevoked, reason))
		c.close()
	}
}

// Invalidate pushes session:invalid to every attached connection and drops
// it, leaving the server-side record untouched.
func (b *Backend) Invalidate(token, reason string) {
	for _, c := range b.takeConns(token) {
		_ = c.send(reasonFrame(realtime.WireSessionInvalid, reason))
		c.close()
	}
}

// DropConnections closes every attached connection for a token without any
// event, simulating transient transport loss.
func (b *Backend) DropConnections(token string) {
	for _, c := range b.takeConns(token) {
		c.close()
	}
}

// ConnectionCount reports the number of attached realtime connections for a
// token.
func (b *Backend) ConnectionCount(token string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[token])
}

func reasonFrame(event, reason string) realtime.Frame {
	data, _ := json.Marshal(realtime.ReasonPayload{Reason: reason})
	return realtime.Frame{Event: event, Data: data}
}

func errorFrame(message string) realtime.Frame {
	data, _ := json.Marshal(realtime.ErrorPayload{Message: message})
	return realtime.Frame{Event: realtime.WireConnectError, Data: data}
}

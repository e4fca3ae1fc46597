package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindline-health/sessionkit/pkg/config"
)

// scriptTransport is a transport fed by the test.
type scriptTransport struct {
	mu     sync.Mutex
	frames chan Frame
	sent   []string
	closed bool
	err    error
	once   sync.Once
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{frames: make(chan Frame, 16)}
}

func (t *scriptTransport) push(f Frame) {
	t.frames <- f
}

// drop simulates transport loss.
func (t *scriptTransport) drop(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.once.Do(func() { close(t.frames) })
}

func (t *scriptTransport) Send(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, event)
	return nil
}

func (t *scriptTransport) Frames() <-chan Frame {
	return t.frames
}

func (t *scriptTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *scriptTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.once.Do(func() { close(t.frames) })
	return nil
}

func (t *scriptTransport) sentEvents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *scriptTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeDialer hands out scripted dial outcomes in order.
type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	outcomes []func() (Transport, error)
}

func (d *fakeDialer) dial(ctx context.Context, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.outcomes) {
		return d.outcomes[i]()
	}
	return nil, errors.New("no transport scripted")
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func transportOutcome(t *scriptTransport) func() (Transport, error) {
	return func() (Transport, error) { return t, nil }
}

func errorOutcome(err error) func() (Transport, error) {
	return func() (Transport, error) { return nil, err }
}

// sinkRecorder collects delivered events.
type sinkRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *sinkRecorder) sink(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *sinkRecorder) has(kind EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		URL:                  "http://unused",
		Transports:           []config.TransportKind{config.TransportWebSocket},
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    20 * time.Millisecond,
		HandshakeTimeout:     time.Second,
	}
}

func alwaysToken() (string, bool) {
	return "tok-1", true
}

func reasonData(t *testing.T, reason string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(ReasonPayload{Reason: reason})
	require.NoError(t, err)
	return data
}

func TestChannelConnects(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(c.Close)

	tr.push(Frame{Event: WireConnected})

	require.Eventually(t, func() bool { return rec.has(EventConnected) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.False(t, c.LastAlive().IsZero())
	assert.Equal(t, "tok-1", c.Token())
}

func TestChannelOpenDialFailure(t *testing.T) {
	dialer := &fakeDialer{outcomes: []func() (Transport, error){errorOutcome(errors.New("connection refused"))}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.Error(t, c.Open(context.Background()))

	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, rec.has(EventConnectError))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("a failed dial must finish the channel")
	}
	assert.ErrorIs(t, c.Open(context.Background()), ErrChannelClosed, "a channel whose dial failed is not reusable")
}

func TestChannelRevocationIsTerminal(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))

	tr.push(Frame{Event: WireConnected})
	tr.push(Frame{Event: WireSessionRevoked, Data: reasonData(t, "revoked by admin")})

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not terminate on revocation")
	}

	assert.Equal(t, StateRevoked, c.State())
	assert.True(t, rec.has(EventServerRevoked))
	assert.True(t, tr.isClosed())
	assert.Equal(t, 1, dialer.callCount(), "no reconnection after revocation")

	assert.ErrorIs(t, c.Open(context.Background()), ErrChannelClosed)
}

func TestChannelSessionInvalidIsTerminal(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))

	tr.push(Frame{Event: WireSessionInvalid})

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not terminate on session:invalid")
	}

	assert.True(t, rec.has(EventServerInvalid))
	assert.Equal(t, StateRevoked, c.State())
}

func TestChannelReconnectsOnTransportLoss(t *testing.T) {
	tr1 := newScriptTransport()
	tr2 := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){
		transportOutcome(tr1),
		transportOutcome(tr2),
	}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(c.Close)

	tr1.push(Frame{Event: WireConnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	tr1.drop(errors.New("connection reset"))
	tr2.push(Frame{Event: WireConnected})

	require.Eventually(t, func() bool {
		return dialer.callCount() == 2 && c.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.True(t, rec.has(EventDisconnected))
}

func TestChannelAbandonsReconnectWhenSessionCleared(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	var hasToken atomic.Bool
	hasToken.Store(true)
	source := func() (string, bool) {
		if !hasToken.Load() {
			return "", false
		}
		return "tok-1", true
	}

	c := New(testRealtimeConfig(), "tok-1", source, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))

	tr.push(Frame{Event: WireConnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	// The session disappears (concurrent logout), then the transport drops.
	hasToken.Store(false)
	tr.drop(errors.New("connection reset"))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not abandon reconnection")
	}

	assert.Equal(t, 1, dialer.callCount(), "no dial without a token")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestChannelAbortsReconnectOnAuthError(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){
		transportOutcome(tr),
		errorOutcome(errors.New("server rejected token: unauthorized")),
	}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))

	tr.push(Frame{Event: WireConnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	tr.drop(errors.New("connection reset"))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not abort on auth error")
	}

	assert.Equal(t, 2, dialer.callCount(), "auth failures are not retried")
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, rec.has(EventConnectError))
}

func TestChannelAuthConnectErrorAbandonsChannel(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))

	errData, err := json.Marshal(ErrorPayload{Message: "invalid token"})
	require.NoError(t, err)
	tr.push(Frame{Event: WireConnectError, Data: errData})

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not abandon on transport auth error")
	}

	assert.Equal(t, 1, dialer.callCount(), "no reconnection after a transport auth error")
	assert.Equal(t, StateDisconnected, c.State(), "auth transport error is channel-fatal, not session-clearing")
	assert.True(t, rec.has(EventConnectError))
	assert.False(t, rec.has(EventServerRevoked))
}

func TestChannelCloseStopsReconnection(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))

	tr.push(Frame{Event: WireConnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Close()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not stop after close")
	}

	assert.Equal(t, 1, dialer.callCount(), "caller-initiated disconnects never reconnect")
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Open(context.Background()), ErrChannelClosed)
}

// heartbeatGoroutineRunning reports whether any channel's heartbeat loop is
// still on a goroutine stack.
func heartbeatGoroutineRunning() bool {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return strings.Contains(string(buf[:n]), "(*Channel).heartbeat")
}

func TestChannelStopsHeartbeatAfterAbandoningReconnect(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))

	tr.push(Frame{Event: WireConnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	// Drop the transport; every reconnect attempt fails until the channel
	// gives up on its own, without Close ever being called.
	tr.drop(errors.New("connection reset"))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not give up reconnecting")
	}

	require.Eventually(t, func() bool {
		return !heartbeatGoroutineRunning()
	}, time.Second, 10*time.Millisecond, "heartbeat goroutine must stop when the channel abandons itself")
}

func TestChannelOpenConcurrently(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){
		func() (Transport, error) {
			time.Sleep(20 * time.Millisecond)
			return tr, nil
		},
	}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	t.Cleanup(c.Close)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Open(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, dialer.callCount(), "concurrent opens collapse into one dial")

	tr.push(Frame{Event: WireConnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
}

func TestChannelHeartbeat(t *testing.T) {
	tr := newScriptTransport()
	dialer := &fakeDialer{outcomes: []func() (Transport, error){transportOutcome(tr)}}
	rec := &sinkRecorder{}

	c := New(testRealtimeConfig(), "tok-1", alwaysToken, rec.sink, WithDialers(dialer.dial))
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(c.Close)

	tr.push(Frame{Event: WireConnected})
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		pings := 0
		for _, e := range tr.sentEvents() {
			if e == WirePing {
				pings++
			}
		}
		return pings >= 2
	}, time.Second, 5*time.Millisecond, "heartbeat pings on a fixed interval")

	before := c.LastAlive()
	time.Sleep(5 * time.Millisecond)
	tr.push(Frame{Event: WirePong})

	require.Eventually(t, func() bool {
		return c.LastAlive().After(before)
	}, time.Second, 5*time.Millisecond, "pong advances the last-seen-alive timestamp")
	assert.True(t, rec.has(EventPong))
}

// Package realtime implements the reconnecting, authenticated, bidirectional
// event channel layered on top of a session token.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowchartsman/retry"

	"github.com/mindline-health/sessionkit/pkg/config"
)

// ErrChannelClosed is returned by Open after the channel was closed or
// revoked. Closed channels are never reused; the session store builds a new
// instance on the next connect.
var ErrChannelClosed = errors.New("realtime channel is closed")

var errSessionCleared = errors.New("session cleared, abandoning channel")

// Channel is a single realtime connection lifecycle: dial, handshake,
// heartbeat, bounded reconnection, and teardown on revocation. Exactly one
// instance exists per live session; it delivers events to its owner through
// the sink, always from one goroutine.
type Channel struct {
	cfg        config.RealtimeConfig
	token      string
	source     TokenSource
	sink       Sink
	dialers    []DialFunc
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	lastAlive time.Time
	started   bool
	closed    bool
	cancel    context.CancelFunc

	done chan struct{}
}

// Option configures a Channel.
type Option func(*Channel)

// WithDialers overrides the transports built from the configuration. Used by
// tests to inject scripted transports.
func WithDialers(dialers ...DialFunc) Option {
	return func(c *Channel) {
		c.dialers = dialers
	}
}

// WithHTTPClient provides the http.Client used by the SSE fallback.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) {
		c.httpClient = hc
	}
}

// WithLogger provides a logger; defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a channel for the given token. The sink receives the channel's
// events; the source is consulted before reconnection attempts.
func New(cfg config.RealtimeConfig, token string, source TokenSource, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		cfg:    cfg,
		token:  token,
		source: source,
		sink:   sink,
		state:  StateDisconnected,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if len(c.dialers) == 0 {
		c.dialers = dialersFromConfig(cfg, c.httpClient)
	}

	return c
}

// Token returns the token this channel was built with.
func (c *Channel) Token() string {
	return c.token
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastAlive returns the time of the last heartbeat reply or handshake.
// Diagnostics only.
func (c *Channel) LastAlive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAlive
}

// Done is closed when the channel has finished: the event loop exited or the
// initial dial failed. It never fires for a channel that was never opened.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Open dials the first transport that succeeds and starts the event and
// heartbeat loops. ctx bounds the initial dial only; the channel's lifetime
// is controlled by Close. A channel is opened at most once; calls after the
// first are no-ops.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.state == StateRevoked {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	t, err := c.dial(ctx)
	if err != nil {
		// A channel whose initial dial failed is finished; the store builds
		// a fresh instance on the next connect.
		c.mu.Lock()
		c.closed = true
		c.state = StateDisconnected
		c.mu.Unlock()
		c.emit(Event{Kind: EventConnectError, Err: err})
		close(c.done)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = t.Close()
		close(c.done)
		return ErrChannelClosed
	}
	c.transport = t
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, cancel, t)
	go c.heartbeat(runCtx)
	return nil
}

// Close tears the channel down. Caller-initiated: no reconnection follows.
// Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.state != StateRevoked {
		c.state = StateDisconnected
	}
	cancel := c.cancel
	t := c.transport
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
}

// dial tries the configured transports in preference order with the current
// token.
func (c *Channel) dial(ctx context.Context) (Transport, error) {
	token := c.token
	if current, ok := c.source(); ok {
		token = current
	}

	var errs []error
	for _, dial := range c.dialers {
		t, err := dial(ctx, token)
		if err == nil {
			return t, nil
		}
		c.logger.Warn("Transport dial failed", "error", err)
		errs = append(errs, err)
		if isAuthErrorMessage(err.Error()) {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// run consumes frames from the transport, reconnecting across transient
// losses until the channel is closed, revoked, or out of attempts. Every
// exit cancels the run context so the heartbeat goroutine stops with it.
func (c *Channel) run(ctx context.Context, cancel context.CancelFunc, t Transport) {
	defer close(c.done)
	defer cancel()

	for {
		if terminal := c.readFrames(ctx, t); terminal {
			return
		}

		next, ok := c.reconnect(ctx)
		if !ok {
			c.setState(StateDisconnected)
			return
		}
		t = next
	}
}

// readFrames processes the transport's frame stream until it closes. It
// returns true when the channel must not reconnect.
func (c *Channel) readFrames(ctx context.Context, t Transport) bool {
	for f := range t.Frames() {
		if terminal := c.handleFrame(t, f); terminal {
			return true
		}
	}

	// Frame stream closed: the transport is gone.
	c.mu.Lock()
	closed := c.closed
	revoked := c.state == StateRevoked
	c.mu.Unlock()

	if revoked {
		return true
	}

	reason := "transport closed"
	if err := t.Err(); err != nil {
		reason = err.Error()
	}
	if closed {
		c.emit(Event{Kind: EventDisconnected, Reason: "closed by client"})
		return true
	}

	c.emit(Event{Kind: EventDisconnected, Reason: reason})
	return false
}

// handleFrame dispatches one incoming frame. It returns true when the frame
// terminates the channel.
func (c *Channel) handleFrame(t Transport, f Frame) bool {
	switch f.Event {
	case WireConnect:
		c.logger.Debug("Transport acknowledged connect")
		return false

	case WireConnected:
		c.mu.Lock()
		c.state = StateConnected
		c.lastAlive = time.Now()
		c.mu.Unlock()
		c.emit(Event{Kind: EventConnected})
		return false

	case WirePong:
		c.mu.Lock()
		c.lastAlive = time.Now()
		c.mu.Unlock()
		c.emit(Event{Kind: EventPong})
		return false

	case WireDisconnect:
		// The server will drop the transport next; the read loop ends and
		// the reconnect path takes over.
		c.logger.Debug("Server sent disconnect", "reason", decodeReason(f.Data))
		return false

	case WireConnectError:
		msg := decodeErrorMessage(f.Data)
		err := fmt.Errorf("server connect error: %s", msg)
		c.emit(Event{Kind: EventConnectError, Err: err})
		if isAuthErrorMessage(msg) {
			// Credential rejected at the transport layer: channel-fatal,
			// but the session itself is only cleared by an explicit
			// revocation event.
			c.logger.Warn("Auth failure on channel, abandoning", "message", msg)
			_ = t.Close()
			c.setState(StateDisconnected)
			return true
		}
		return false

	case WireSessionRevoked:
		c.terminate(t)
		c.emit(Event{Kind: EventServerRevoked, Reason: decodeReason(f.Data)})
		return true

	case WireSessionInvalid:
		c.terminate(t)
		c.emit(Event{Kind: EventServerInvalid, Reason: decodeReason(f.Data)})
		return true

	default:
		c.logger.Debug("Ignoring unknown event", "event", f.Event)
		return false
	}
}

// terminate moves the channel to the terminal revoked state.
func (c *Channel) terminate(t Transport) {
	c.mu.Lock()
	c.state = StateRevoked
	c.mu.Unlock()
	_ = t.Close()
}

// reconnect runs the bounded reconnection policy: fixed delay, capped
// attempts, and before every attempt a check that the owning session still
// holds a token. Auth failures abort immediately.
func (c *Channel) reconnect(ctx context.Context) (Transport, bool) {
	c.setState(StateReconnecting)

	var next Transport
	retrier := retry.NewRetrier(c.cfg.MaxReconnectAttempts, c.cfg.ReconnectDelay, c.cfg.ReconnectDelay)

	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return retry.Stop(ErrChannelClosed)
		}

		if _, ok := c.source(); !ok {
			return retry.Stop(errSessionCleared)
		}

		t, err := c.dial(ctx)
		if err != nil {
			if isAuthErrorMessage(err.Error()) {
				return retry.Stop(err)
			}
			return err
		}
		next = t
		return nil
	})
	if err != nil {
		c.logger.Warn("Reconnection abandoned", "error", err)
		c.emit(Event{Kind: EventConnectError, Err: err})
		return nil, false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = next.Close()
		return nil, false
	}
	c.transport = next
	c.mu.Unlock()

	c.logger.Info("Channel reconnected")
	return next, true
}

// heartbeat emits a liveness probe on a fixed interval while connected. The
// timer is independent of in-flight requests.
func (c *Channel) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := c.state == StateConnected
			t := c.transport
			c.mu.Unlock()

			if !connected || t == nil {
				continue
			}

			sendCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
			if err := t.Send(sendCtx, WirePing, nil); err != nil {
				c.logger.Debug("Heartbeat send failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state != StateRevoked {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Channel) emit(e Event) {
	if c.sink != nil {
		c.sink(e)
	}
}

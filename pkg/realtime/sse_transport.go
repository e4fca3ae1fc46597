package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// sseTransport implements Transport as a long-poll fallback: downstream
// events arrive over an SSE stream, upstream events (ping) go out as HTTP
// POSTs. The token rides in the stream subscription request because SSE has
// no client frames to carry a handshake payload.
type sseTransport struct {
	baseURL    string
	token      string
	httpClient *http.Client
	frames     chan Frame
	cancel     context.CancelFunc
	errMu      sync.Mutex
	err        error
	closeOnce  sync.Once
}

// sendEnvelope is the POST body for upstream events over the fallback
// transport.
type sendEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Token string          `json:"token"`
}

// DialSSE subscribes to the SSE endpoint under baseURL and waits for the
// first event before returning, mirroring how the stream either delivers a
// connected event or an auth rejection right away.
func DialSSE(ctx context.Context, baseURL, token string, handshakeTimeout time.Duration, httpClient *http.Client) (Transport, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// The stream outlives the dial context; it is bound to the transport's
	// own cancel instead.
	streamCtx, cancel := context.WithCancel(context.Background())

	streamURL := baseURL + "/sse?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create SSE request: %w", err)
	}

	t := &sseTransport{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		frames:     make(chan Frame, 16),
		cancel:     cancel,
	}

	conn := sse.NewConnection(req)

	established := make(chan struct{})
	connectionError := make(chan error, 1)

	conn.SubscribeToAll(func(event sse.Event) {
		select {
		case established <- struct{}{}:
		default:
		}

		select {
		case t.frames <- Frame{Event: event.Type, Data: json.RawMessage(event.Data)}:
		case <-streamCtx.Done():
		}
	})

	go func() {
		defer close(t.frames)
		if err := conn.Connect(); err != nil && streamCtx.Err() == nil {
			t.setErr(err)
			select {
			case connectionError <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		t.teardown()
		return nil, ctx.Err()
	case err := <-connectionError:
		t.teardown()
		return nil, fmt.Errorf("failed to establish SSE connection: %w", err)
	case <-established:
		return t, nil
	case <-time.After(handshakeTimeout):
		t.teardown()
		return nil, fmt.Errorf("timeout waiting for SSE connection")
	}
}

// Send posts one upstream event to the events endpoint.
func (t *sseTransport) Send(ctx context.Context, event string, payload any) error {
	env := sendEnvelope{Event: event, Token: t.token}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = data
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", event, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected response status for %s: %d", event, resp.StatusCode)
	}
	return nil
}

// Frames returns the incoming frame stream.
func (t *sseTransport) Frames() <-chan Frame {
	return t.frames
}

// Err returns the terminal stream error, if any.
func (t *sseTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *sseTransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *sseTransport) teardown() {
	t.closeOnce.Do(func() {
		t.cancel()
	})
}

// Close cancels the stream.
func (t *sseTransport) Close() error {
	t.teardown()
	return nil
}

var _ Transport = (*sseTransport)(nil)

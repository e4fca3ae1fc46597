package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	acquirePath  = "/api/auth/acquire-session"
	validatePath = "/api/auth/session"
	logoutPath   = "/api/auth/logout"
)

// HTTPClient implements Client against the auth gateway's REST endpoints.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient provides a custom http.Client for the transport layer.
func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger provides a logger; defaults to slog.Default.
func WithLogger(l *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AcquireSession mints a new anonymous session credential.
func (c *HTTPClient) AcquireSession(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+acquirePath, bytes.NewReader(nil))
	if err != nil {
		return Credential{}, &AcquisitionError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, &AcquisitionError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Credential{}, &AcquisitionError{Err: fmt.Errorf("unexpected response status: %d", resp.StatusCode)}
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, &AcquisitionError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if cred.Token == "" {
		return Credential{}, &AcquisitionError{Err: fmt.Errorf("gateway returned an empty token")}
	}

	c.logger.Debug("Acquired session credential", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// ValidateSession asks the gateway whether a token is still accepted. A 401,
// 403, or 404 response is a normal rejection, not an error.
func (c *HTTPClient) ValidateSession(ctx context.Context, token string) (SessionInfo, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+validatePath, nil)
	if err != nil {
		return SessionInfo{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SessionInfo{}, false, fmt.Errorf("failed to validate session: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		var info SessionInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return SessionInfo{}, false, fmt.Errorf("failed to decode response: %w", err)
		}
		if info.Token == "" {
			info.Token = token
		}
		return info, true, nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		c.logger.Debug("Stored token rejected by gateway", "status", resp.StatusCode)
		return SessionInfo{}, false, nil
	default:
		return SessionInfo{}, false, fmt.Errorf("unexpected response status: %d", resp.StatusCode)
	}
}

// Logout notifies the gateway that the session should be invalidated.
func (c *HTTPClient) Logout(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+logoutPath, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send logout: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected response status: %d", resp.StatusCode)
	}

	return nil
}

var _ Client = (*HTTPClient)(nil)

// Package harness provides an in-process fake of the platform backend: the
// auth gateway REST endpoints plus a realtime endpoint speaking the channel's
// wire protocol. Integration tests and examples script it to mint and reject
// tokens, push revocations, and drop connections.
package harness

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/mindline-health/sessionkit/pkg/gateway"
)

// sessionRecord is one live server-side session.
type sessionRecord struct {
	userID     string
	isLoggedIn bool
	expiresAt  time.Time
}

// Backend is the scriptable fake backend.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]sessionRecord
	conns    map[string][]eventConn

	failAcquire bool
	failLogout  bool

	acquireCount  int
	validateCount int
	logoutCount   int

	upgrader websocketUpgrader
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		sessions: make(map[string]sessionRecord),
		conns:    make(map[string][]eventConn),
		upgrader: newUpgrader(),
	}
}

// Handler returns the backend's HTTP handler.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/api/auth/acquire-session", b.handleAcquire)
	r.Get("/api/auth/session", b.handleValidate)
	r.Post("/api/auth/logout", b.handleLogout)

	r.Get("/realtime/ws", b.handleWebSocket)
	r.Get("/realtime/sse", b.handleSSE)
	r.Post("/realtime/events", b.handleEvents)

	return r
}

func (b *Backend) handleAcquire(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.acquireCount++
	if b.failAcquire {
		b.mu.Unlock()
		http.Error(w, "acquire unavailable", http.StatusInternalServerError)
		return
	}

	token := uuid.NewString()
	rec := sessionRecord{expiresAt: time.Now().Add(24 * time.Hour)}
	b.sessions[token] = rec
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, gateway.Credential{Token: token, ExpiresAt: rec.expiresAt})
}

func (b *Backend) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	b.mu.Lock()
	b.validateCount++
	rec, ok := b.sessions[token]
	b.mu.Unlock()

	if token == "" || !ok {
		http.Error(w, "session not found", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, gateway.SessionInfo{
		Token:      token,
		UserID:     rec.userID,
		IsLoggedIn: rec.isLoggedIn,
		ExpiresAt:  rec.expiresAt,
	})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	b.mu.Lock()
	b.logoutCount++
	if b.failLogout {
		b.mu.Unlock()
		http.Error(w, "logout unavailable", http.StatusInternalServerError)
		return
	}
	delete(b.sessions, token)
	b.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// SeedSession registers a token as valid, optionally bound to a user.
func (b *Backend) SeedSession(token, userID string, isLoggedIn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[token] = sessionRecord{
		userID:     userID,
		isLoggedIn: isLoggedIn,
		expiresAt:  time.Now().Add(24 * time.Hour),
	}
}

// RejectToken makes a token invalid from now on.
func (b *Backend) RejectToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, token)
}

// FailAcquire toggles acquisition failure.
func (b *Backend) FailAcquire(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAcquire = fail
}

// FailLogout toggles logout failure.
func (b *Backend) FailLogout(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLogout = fail
}

// Counts returns the number of acquire, validate, and logout requests seen.
func (b *Backend) Counts() (acquire, validate, logout int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquireCount, b.validateCount, b.logoutCount
}

// tokenValid reports whether a token identifies a live session.
func (b *Backend) tokenValid(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[token]
	return token != "" && ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	intlogger "github.com/mindline-health/sessionkit/internal/logger"
	"github.com/mindline-health/sessionkit/pkg/config"
	"github.com/mindline-health/sessionkit/pkg/gateway"
	"github.com/mindline-health/sessionkit/pkg/persist"
	"github.com/mindline-health/sessionkit/pkg/realtime"
)

// Options configures a Store.
type Options struct {
	// OnForcedLogout is invoked after a server revocation has cleared the
	// session, so the application can navigate to its unauthenticated entry
	// point. Injected here instead of the store reaching into navigation.
	OnForcedLogout func(reason string)

	// Logger defaults to one built from the logging configuration.
	Logger *slog.Logger

	// ChannelFactory overrides how realtime channels are built. Tests use
	// this to inject fakes.
	ChannelFactory ChannelFactory

	// ChannelOptions are passed to the default channel factory.
	ChannelOptions []realtime.Option
}

// Store is the session orchestrator. It is the sole writer of the session
// value and the sole owner of the realtime channel; construct one per
// application and pass it by reference.
type Store struct {
	cfg            *config.Config
	gw             gateway.Client
	tokens         persist.TokenStore
	newChannel     ChannelFactory
	onForcedLogout func(string)
	logger         *slog.Logger

	mu        sync.Mutex
	session   *Session
	channel   Channel
	acquiring bool
	epoch     uint64
	subs      map[int]func(Snapshot)
	nextSubID int
}

// New creates a session store. The gateway client, token store, and
// configuration are required collaborators.
func New(cfg *config.Config, gw gateway.Client, tokens persist.TokenStore, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = intlogger.New(cfg.Logging, nil)
	}
	logger = logger.With("store", uuid.New().String()[:8])

	s := &Store{
		cfg:            cfg,
		gw:             gw,
		tokens:         tokens,
		onForcedLogout: opts.OnForcedLogout,
		logger:         logger,
		subs:           make(map[int]func(Snapshot)),
	}

	s.newChannel = opts.ChannelFactory
	if s.newChannel == nil {
		channelOpts := append([]realtime.Option{realtime.WithLogger(logger)}, opts.ChannelOptions...)
		s.newChannel = func(token string, source realtime.TokenSource, sink realtime.Sink) Channel {
			return realtime.New(cfg.Realtime, token, source, sink, channelOpts...)
		}
	}

	return s
}

// Acquire runs the session acquisition sequence: read persisted token,
// validate or mint, persist, connect. At most one sequence is in flight at a
// time; a call made while one is pending is a no-op. Network failures while
// minting are returned to the caller and never retried internally.
func (s *Store) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.acquiring {
		s.mu.Unlock()
		s.logger.Debug("Acquisition already in flight")
		return nil
	}
	s.acquiring = true
	epoch := s.epoch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.acquiring = false
		s.mu.Unlock()
	}()

	key := s.cfg.Storage.Key

	stored, ok, err := s.tokens.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to read stored token, treating as absent", "error", err)
		ok = false
	}

	if ok && stored != "" {
		info, valid, err := s.gw.ValidateSession(ctx, stored)
		switch {
		case err != nil:
			// Could not reach the gateway: keep the stored token for the
			// next launch and surface the failed acquisition.
			return fmt.Errorf("failed to validate stored session: %w", err)
		case valid:
			s.logger.Info("Rehydrated session from storage")
			return s.adopt(ctx, epoch, Session{
				Token:      info.Token,
				UserID:     info.UserID,
				IsLoggedIn: info.IsLoggedIn,
				ExpiresAt:  info.ExpiresAt,
			}, false)
		default:
			s.logger.Info("Stored session rejected, minting a new credential")
			if err := s.tokens.Remove(ctx, key); err != nil {
				s.logger.Warn("Failed to remove rejected token", "error", err)
			}
		}
	}

	cred, err := s.gw.AcquireSession(ctx)
	if err != nil {
		s.logger.Error("Session acquisition failed", "error", err)
		return err
	}

	return s.adopt(ctx, epoch, Session{Token: cred.Token, ExpiresAt: cred.ExpiresAt}, true)
}

// adopt installs an acquired session unless a logout or revocation advanced
// the epoch while the acquisition was in flight, persists a freshly minted
// token, then connects. The epoch check and the persist happen under one
// lock hold so a concurrent logout cannot interleave between them.
func (s *Store) adopt(ctx context.Context, epoch uint64, sess Session, persistToken bool) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Info("Discarding stale acquisition result")
		return nil
	}
	s.session = &sess
	if persistToken {
		if err := s.tokens.Set(ctx, s.cfg.Storage.Key, sess.Token); err != nil {
			// Session stays usable for this run; next launch mints again.
			s.logger.Warn("Failed to persist token", "error", err)
		}
	}
	s.mu.Unlock()

	s.publish()
	return s.Connect(ctx)
}

// Validate asks the gateway whether a token is still accepted. A rejection
// is a normal false result, never an error.
func (s *Store) Validate(ctx context.Context, token string) (gateway.SessionInfo, bool, error) {
	return s.gw.ValidateSession(ctx, token)
}

// Connect opens the realtime channel for the current session. A no-op when a
// channel is already connected for the current token.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.session == nil || s.session.Token == "" {
		s.mu.Unlock()
		return errors.New("no session to connect")
	}
	token := s.session.Token

	if s.channel != nil && s.channel.State() == realtime.StateConnected && s.channel.Token() == token {
		s.mu.Unlock()
		return nil
	}

	old := s.channel
	ch := s.newChannel(token, s.tokenSource, s.handleChannelEvent)
	s.channel = ch
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if err := ch.Open(ctx); err != nil {
		s.logger.Error("Failed to open realtime channel", "error", err)
		s.publish()
		return err
	}

	s.publish()
	return nil
}

// Disconnect tears down the realtime channel if present. Idempotent.
func (s *Store) Disconnect() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	if ch == nil {
		return
	}
	ch.Close()
	s.publish()
}

// Logout notifies the gateway best-effort, then unconditionally clears the
// session, removes the persisted token, and disconnects. Local cleanup
// happens even when the network call fails.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	var token string
	if s.session != nil {
		token = s.session.Token
	}
	s.mu.Unlock()

	if token != "" {
		if err := s.gw.Logout(ctx, token); err != nil {
			s.logger.Warn("Server logout notification failed", "error", err)
		}
	}

	s.mu.Lock()
	s.epoch++
	s.session = nil
	ch := s.channel
	s.channel = nil
	if err := s.tokens.Remove(ctx, s.cfg.Storage.Key); err != nil {
		s.logger.Warn("Failed to remove persisted token", "error", err)
	}
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}

	s.logger.Info("Logged out")
	s.publish()
	return nil
}

// LinkUser binds the in-memory session to an authenticated user after an
// out-of-band login completed on the already-open session. No network call.
func (s *Store) LinkUser(userID string) error {
	if userID == "" {
		return errors.New("user id must not be empty")
	}

	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return errors.New("no session to link")
	}
	s.session.IsLoggedIn = true
	s.session.UserID = userID
	s.mu.Unlock()

	s.publish()
	return nil
}

// HandleRevocation reacts to a server-pushed revocation or invalidity
// signal: clears the session and storage, disconnects, and invokes the
// injected forced-logout callback. Idempotent.
func (s *Store) HandleRevocation(reason string) {
	s.mu.Lock()
	if s.session == nil && s.channel == nil {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.session = nil
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	// Storage cleanup is not tied to any caller context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tokens.Remove(ctx, s.cfg.Storage.Key); err != nil {
		s.logger.Warn("Failed to remove persisted token", "error", err)
	}

	if ch != nil {
		ch.Close()
	}

	s.logger.Info("Session revoked by server", "reason", reason)
	s.publish()

	if s.onForcedLogout != nil {
		s.onForcedLogout(reason)
	}
}

// HasSession reports whether a session credential is held.
func (s *Store) HasSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.session.Token != ""
}

// IsAuthenticated reports whether the session is bound to a logged-in user.
func (s *Store) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.session.IsLoggedIn
}

// Current returns a copy of the current session.
func (s *Store) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// Snapshot returns the current derived state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{ConnState: realtime.StateDisconnected}
	if s.session != nil {
		copied := *s.session
		snap.Session = &copied
	}
	if s.channel != nil {
		snap.ConnState = s.channel.State()
	}
	return snap
}

// Subscribe registers a snapshot observer and returns its unsubscribe
// function. Observers are invoked after every session or connection-state
// mutation.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// publish delivers the current snapshot to all subscribers, outside the
// store lock.
func (s *Store) publish() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// tokenSource is the realtime channel's view of the current token. A channel
// whose session was cleared sees absence and abandons reconnection.
func (s *Store) tokenSource() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.Token == "" {
		return "", false
	}
	return s.session.Token, true
}

// handleChannelEvent is the single dispatch point for channel events.
func (s *Store) handleChannelEvent(e realtime.Event) {
	switch e.Kind {
	case realtime.EventConnected:
		s.logger.Info("Realtime channel connected")
		s.publish()
	case realtime.EventDisconnected:
		s.logger.Info("Realtime channel disconnected", "reason", e.Reason)
		s.publish()
	case realtime.EventConnectError:
		s.logger.Warn("Realtime channel error", "error", e.Err)
		s.publish()
	case realtime.EventServerRevoked:
		s.HandleRevocation(e.Reason)
	case realtime.EventServerInvalid:
		reason := e.Reason
		if reason == "" {
			reason = "session invalid"
		}
		s.HandleRevocation(reason)
	case realtime.EventPong:
		// Diagnostics only; LastAlive is tracked by the channel.
	}
}

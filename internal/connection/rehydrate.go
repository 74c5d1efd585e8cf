package connection

import (
	"context"
	"fmt"
	"log/slog"

	"mcphub/internal/session"
)

// Rehydrator rebuilds live connection managers from persisted session
// records. Any process holding the store can reconstruct a working manager
// for any session id; no in-memory affinity is required.
type Rehydrator struct {
	store       session.Store
	callbackURL string
	redirect    RedirectFunc
	logger      *slog.Logger
	cache       *Cache
}

// RehydratorConfig configures a Rehydrator.
type RehydratorConfig struct {
	// Store is the durable session store. Required.
	Store session.Store

	// CallbackURL is this application's OAuth redirect endpoint.
	CallbackURL string

	// Redirect is wired into rebuilt providers.
	Redirect RedirectFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Cache, when non-nil, memoizes rehydrated managers per session id.
	Cache *Cache
}

// NewRehydrator creates a Rehydrator.
func NewRehydrator(cfg RehydratorConfig) (*Rehydrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Rehydrator{
		store:       cfg.Store,
		callbackURL: cfg.CallbackURL,
		redirect:    cfg.Redirect,
		logger:      logger,
		cache:       cfg.Cache,
	}, nil
}

// Rehydrate loads the session record and rebuilds a manager for it.
//
// An active session gets a fresh transport reconnected with whatever
// credentials the record holds: a bearer header when tokens are stored, none
// when the server required no authorization in the first place. A
// mid-handshake session (code verifier persisted, no tokens yet) is rebuilt
// primed for FinishAuth without touching the network; re-running the connect
// path would mint new PKCE material and clobber the verifier the pending
// authorization code was bound to. Rehydration is idempotent: it never
// invents OAuth artifacts.
//
// Returns ErrSessionNotFound when no record exists for the id.
func (r *Rehydrator) Rehydrate(ctx context.Context, sessionID string) (*Manager, error) {
	if r.cache != nil {
		if mgr, ok := r.cache.Get(sessionID); ok {
			return mgr, nil
		}
	}

	rec, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	callbackURL := rec.CallbackURL
	if callbackURL == "" {
		callbackURL = r.callbackURL
	}

	mgr, err := NewManager(ManagerConfig{
		SessionID:   rec.SessionID,
		ServerURL:   rec.ServerURL,
		Transport:   rec.TransportType,
		CallbackURL: callbackURL,
		Store:       r.store,
		Redirect:    r.redirect,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case rec.MidHandshake():
		// Primed for FinishAuth; no network activity until the callback
		// delivers the authorization code.
		mgr.mu.Lock()
		mgr.state = StateAwaitingAuthorization
		mgr.mu.Unlock()
		r.logger.Debug("Rehydrated mid-handshake session",
			"session_id", session.ShortID(sessionID),
			"server_url", rec.ServerURL)

	case rec.Authenticated() || rec.Active:
		// Covers both token-bearing sessions and sessions whose server never
		// demanded authorization; Reconnect omits the bearer header when
		// there are no tokens.
		if err := mgr.Reconnect(ctx); err != nil {
			return nil, err
		}
		r.logger.Debug("Rehydrated active session",
			"session_id", session.ShortID(sessionID),
			"server_url", rec.ServerURL)
	}

	if r.cache != nil {
		r.cache.Add(sessionID, mgr)
	}

	return mgr, nil
}

// Open starts a new session for the user against the given server, reusing
// an existing session when the user already has one for the same server URL.
// The returned manager is not yet connected; callers drive Connect.
func (r *Rehydrator) Open(ctx context.Context, userID, serverID, serverName, serverURL string, transportType session.TransportType) (*Manager, error) {
	if existing, err := r.findUserSession(ctx, userID, serverURL); err != nil {
		return nil, err
	} else if existing != "" {
		return r.Rehydrate(ctx, existing)
	}

	sessionID, err := r.store.GenerateSessionID()
	if err != nil {
		return nil, err
	}

	err = r.store.Save(ctx, sessionID, session.Update{
		UserID:        session.Ptr(userID),
		ServerID:      session.Ptr(serverID),
		ServerName:    session.Ptr(serverName),
		ServerURL:     session.Ptr(serverURL),
		CallbackURL:   session.Ptr(r.callbackURL),
		TransportType: session.Ptr(transportType),
		Active:        session.Ptr(false),
	})
	if err != nil {
		return nil, err
	}

	mgr, err := NewManager(ManagerConfig{
		SessionID:   sessionID,
		ServerURL:   serverURL,
		Transport:   transportType,
		CallbackURL: r.callbackURL,
		Store:       r.store,
		Redirect:    r.redirect,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Add(sessionID, mgr)
	}

	return mgr, nil
}

// Remove disconnects any cached manager and deletes the session record.
func (r *Rehydrator) Remove(ctx context.Context, sessionID string) error {
	if r.cache != nil {
		r.cache.Remove(sessionID)
	}
	return r.store.Remove(ctx, sessionID)
}

// findUserSession scans the user's session index for a record bound to the
// same server URL.
func (r *Rehydrator) findUserSession(ctx context.Context, userID, serverURL string) (string, error) {
	ids, err := r.store.ListUserSessions(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if rec != nil && rec.ServerURL == serverURL {
			return id, nil
		}
	}
	return "", nil
}

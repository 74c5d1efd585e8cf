package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mcphub/internal/session"
	"mcphub/pkg/oauth"
)

// RedirectFunc receives the authorization URL when a flow needs the user's
// browser. The provider never navigates itself; returning a redirect
// response is the caller's responsibility.
type RedirectFunc func(ctx context.Context, authorizationURL string) error

// OAuthClientProvider is the capability set a transport-facing connection
// needs from an OAuth state holder: it supplies and persists client
// registration, PKCE verifier and tokens, and handles the
// authorization-redirect hand-off.
//
// Implementations are stateless across requests by design: every read and
// write round-trips to the durable store, except for a short-lived in-memory
// cache of the token expiry used for fast checks within one request.
type OAuthClientProvider interface {
	// State returns the OAuth state parameter for this flow. It is always
	// the session id, which is how the callback route re-identifies the
	// pending session a returned code belongs to.
	State() string

	// ClientInformation returns the stored dynamic-registration result, or
	// nil when the session has never registered.
	ClientInformation(ctx context.Context) (*oauth.ClientInformation, error)

	// SaveClientInformation persists the registration result.
	SaveClientInformation(ctx context.Context, info *oauth.ClientInformation) error

	// Tokens returns the stored token set, or nil when unauthenticated.
	// As a side effect it populates the in-memory expiry cache.
	Tokens(ctx context.Context) (*oauth.Token, error)

	// SaveTokens persists the token set, computing the absolute expiry
	// (now + expires_in - safety buffer) when expires_in is present. A
	// token set without expires_in is treated as non-expiring until a 401
	// proves otherwise.
	SaveTokens(ctx context.Context, tokens *oauth.Token) error

	// IsTokenExpired is a pure function over the in-memory cached expiry.
	// Precondition: Tokens must have been called at least once in the
	// current flow, otherwise expiry is under-reported.
	IsTokenExpired() bool

	// CodeVerifier returns the stored PKCE verifier, or ErrNoCodeVerifier
	// when the handshake has not started or already completed.
	CodeVerifier(ctx context.Context) (string, error)

	// SaveCodeVerifier persists the PKCE verifier for the pending handshake.
	SaveCodeVerifier(ctx context.Context, verifier string) error

	// DeleteCodeVerifier removes the verifier. Must be called once the
	// authorization code has been exchanged.
	DeleteCodeVerifier(ctx context.Context) error

	// RedirectToAuthorization records the authorization URL and invokes the
	// injected redirect callback, if any.
	RedirectToAuthorization(ctx context.Context, authorizationURL string) error
}

// StoreProvider implements OAuthClientProvider on a session.Store. One
// instance binds one session id; it holds no authoritative state of its own.
type StoreProvider struct {
	sessionID string
	store     session.Store
	redirect  RedirectFunc

	mu               sync.Mutex
	expiresAt        time.Time
	expiryCached     bool
	authorizationURL string
}

// NewStoreProvider creates a provider bound to the given session. The
// redirect callback may be nil when the caller consumes the authorization
// URL directly.
func NewStoreProvider(store session.Store, sessionID string, redirect RedirectFunc) *StoreProvider {
	return &StoreProvider{
		sessionID: sessionID,
		store:     store,
		redirect:  redirect,
	}
}

// State returns the session id.
func (p *StoreProvider) State() string {
	return p.sessionID
}

// ClientInformation returns the stored registration result, or nil.
func (p *StoreProvider) ClientInformation(ctx context.Context) (*oauth.ClientInformation, error) {
	record, err := p.store.Get(ctx, p.sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return record.ClientInformation, nil
}

// SaveClientInformation persists the registration result.
func (p *StoreProvider) SaveClientInformation(ctx context.Context, info *oauth.ClientInformation) error {
	return p.store.Save(ctx, p.sessionID, session.Update{
		ClientInformation: info,
	})
}

// Tokens returns the stored token set and primes the expiry cache.
func (p *StoreProvider) Tokens(ctx context.Context) (*oauth.Token, error) {
	record, err := p.store.Get(ctx, p.sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Tokens == nil {
		return nil, nil
	}

	p.mu.Lock()
	if !p.expiryCached {
		p.expiresAt = record.TokenExpiresAt
		p.expiryCached = true
	}
	p.mu.Unlock()

	return record.Tokens, nil
}

// SaveTokens computes the absolute expiry and persists the merged record.
func (p *StoreProvider) SaveTokens(ctx context.Context, tokens *oauth.Token) error {
	if tokens == nil {
		return fmt.Errorf("cannot save nil tokens")
	}

	tokens.SetExpiresAtFromExpiresIn()

	if err := p.store.Save(ctx, p.sessionID, session.Update{
		Tokens:         tokens,
		TokenExpiresAt: session.Ptr(tokens.ExpiresAt),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.expiresAt = tokens.ExpiresAt
	p.expiryCached = true
	p.mu.Unlock()

	return nil
}

// IsTokenExpired checks the cached expiry. A zero expiry means the token
// does not expire (or Tokens was never called; see the interface contract).
// The check delegates to the token expiry rule so the safety margin is
// applied uniformly across the package boundary.
func (p *StoreProvider) IsTokenExpired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok := oauth.Token{ExpiresAt: p.expiresAt}
	return tok.IsExpired()
}

// CodeVerifier returns the stored PKCE verifier.
func (p *StoreProvider) CodeVerifier(ctx context.Context) (string, error) {
	record, err := p.store.Get(ctx, p.sessionID)
	if err != nil {
		return "", err
	}
	if record == nil || record.CodeVerifier == "" {
		return "", ErrNoCodeVerifier
	}
	return record.CodeVerifier, nil
}

// SaveCodeVerifier persists the PKCE verifier.
func (p *StoreProvider) SaveCodeVerifier(ctx context.Context, verifier string) error {
	return p.store.Save(ctx, p.sessionID, session.Update{
		CodeVerifier: session.Ptr(verifier),
	})
}

// DeleteCodeVerifier removes the verifier after the code exchange.
func (p *StoreProvider) DeleteCodeVerifier(ctx context.Context) error {
	return p.store.Save(ctx, p.sessionID, session.Update{
		ClearCodeVerifier: true,
	})
}

// RedirectToAuthorization records the URL and invokes the injected callback.
func (p *StoreProvider) RedirectToAuthorization(ctx context.Context, authorizationURL string) error {
	p.mu.Lock()
	p.authorizationURL = authorizationURL
	p.mu.Unlock()

	if p.redirect != nil {
		return p.redirect(ctx, authorizationURL)
	}
	return nil
}

// AuthorizationURL returns the last authorization URL recorded by
// RedirectToAuthorization, or empty if none was issued in this process.
func (p *StoreProvider) AuthorizationURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authorizationURL
}

// Compile-time interface check
var _ OAuthClientProvider = (*StoreProvider)(nil)

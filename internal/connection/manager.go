package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"mcphub/internal/session"
	"mcphub/pkg/oauth"
)

// State is the connection lifecycle position of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateAwaitingAuthorization
	StateFailed
)

// String makes State satisfy fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingAuthorization:
		return "awaiting_authorization"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// clientName identifies this application in MCP handshakes and dynamic
// client registration.
const clientName = "mcphub"

// clientVersion is reported in the MCP initialize request.
const clientVersion = "1.0.0"

// defaultScopes are requested when the server's challenge does not name any.
var defaultScopes = []string{"openid", "profile", "email", "offline_access"}

// refreshGroup deduplicates concurrent token refreshes for the same session
// within this process. Refreshes racing across processes remain possible and
// are tolerated: both produce valid tokens and the last write wins.
var refreshGroup singleflight.Group

// ManagerConfig configures a connection Manager.
type ManagerConfig struct {
	// SessionID identifies the durable session record. Required.
	SessionID string

	// ServerURL is the remote MCP server endpoint. Required.
	ServerURL string

	// Transport selects the wire binding. Required.
	Transport session.TransportType

	// CallbackURL is this application's OAuth redirect endpoint.
	CallbackURL string

	// Store is the durable session store. Required.
	Store session.Store

	// Provider overrides the default store-backed OAuth provider.
	Provider OAuthClientProvider

	// Redirect is handed to the default provider when Provider is nil.
	Redirect RedirectFunc

	// OAuthClient overrides the default OAuth protocol client.
	OAuthClient *oauth.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns one logical connection to one remote MCP server. It builds
// the transport, drives the connect/authorize/reconnect state machine,
// exposes ListTools and CallTool, and owns token-refresh-and-retry logic.
//
// A Manager is ephemeral and never persisted; all durable state lives in the
// session record. Operations on one Manager are serialized; coordination
// across processes is the store's merge semantics.
type Manager struct {
	sessionID   string
	serverURL   string
	transport   session.TransportType
	callbackURL string
	store       session.Store
	provider    OAuthClientProvider
	oauthClient *oauth.Client
	logger      *slog.Logger

	mu               sync.Mutex
	state            State
	client           client.MCPClient
	authorizationURL string
}

// NewManager creates a Manager. The OAuth provider is built lazily from the
// store when none is supplied.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if !cfg.Transport.Valid() {
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	provider := cfg.Provider
	if provider == nil {
		provider = NewStoreProvider(cfg.Store, cfg.SessionID, cfg.Redirect)
	}

	oauthClient := cfg.OAuthClient
	if oauthClient == nil {
		oauthClient = oauth.NewClient()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessionID:   cfg.SessionID,
		serverURL:   cfg.ServerURL,
		transport:   cfg.Transport,
		callbackURL: cfg.CallbackURL,
		store:       cfg.Store,
		provider:    provider,
		oauthClient: oauthClient,
		logger:      logger,
	}, nil
}

// SessionID returns the id of the session this manager is bound to.
func (m *Manager) SessionID() string { return m.sessionID }

// ServerURL returns the remote server endpoint.
func (m *Manager) ServerURL() string { return m.serverURL }

// Provider returns the OAuth provider bound to this manager's session.
func (m *Manager) Provider() OAuthClientProvider { return m.provider }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AuthorizationURL returns the authorization URL of the pending flow, if a
// Connect in this process raised AuthorizationRequiredError.
func (m *Manager) AuthorizationURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorizationURL
}

// Connect attempts the protocol handshake against the remote server.
//
// On success the session record is persisted with active=true. When the
// server demands authorization, the OAuth flow is prepared (discovery,
// dynamic registration if needed, PKCE), the record is persisted with
// active=false preserving the captured OAuth state, and an
// AuthorizationRequiredError is returned. Any other failure propagates as a
// TransportConnectError; the caller decides whether to retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateConnecting

	tokens, err := m.provider.Tokens(ctx)
	if err != nil {
		m.state = StateFailed
		return err
	}

	// Refresh ahead of the handshake when the stored token is known stale.
	if tokens != nil && m.provider.IsTokenExpired() {
		if m.refreshTokenLocked(ctx) {
			tokens, err = m.provider.Tokens(ctx)
			if err != nil {
				m.state = StateFailed
				return err
			}
		}
	}

	mcpClient, err := m.buildClient(ctx, tokens)
	if err == nil {
		m.client = mcpClient
		m.state = StateConnected
		if err := m.persistActiveLocked(ctx, true); err != nil {
			return err
		}
		m.logger.Debug("Connected to MCP server",
			"server_url", m.serverURL,
			"transport", m.transport)
		return nil
	}

	if isUnauthorizedErr(err) {
		authErr := m.beginAuthorizationLocked(ctx, err)
		// Preserve any partial OAuth state already captured; only the
		// active flag is corrected.
		if perr := m.persistActiveLocked(ctx, false); perr != nil {
			m.state = StateFailed
			return perr
		}
		var required *AuthorizationRequiredError
		if !errors.As(authErr, &required) {
			// Flow preparation itself failed (discovery, registration);
			// nothing is pending for the user to complete.
			m.state = StateFailed
			return authErr
		}
		m.state = StateAwaitingAuthorization
		return authErr
	}

	m.state = StateFailed
	return &TransportConnectError{ServerURL: m.serverURL, Err: err}
}

// beginAuthorizationLocked prepares the OAuth flow after a 401-class
// handshake failure: discovery, dynamic client registration when the session
// has none, PKCE generation, and the authorization-redirect hand-off.
// Caller holds m.mu.
func (m *Manager) beginAuthorizationLocked(ctx context.Context, cause error) error {
	challenge := oauth.ParseWWWAuthenticateFromError(cause)

	meta, err := m.discoverMetadata(ctx, challenge)
	if err != nil {
		return fmt.Errorf("oauth discovery failed for %s: %w", m.serverURL, err)
	}
	if !meta.SupportsPKCE() {
		return fmt.Errorf("authorization server %s does not support PKCE (S256)", meta.Issuer)
	}

	info, err := m.provider.ClientInformation(ctx)
	if err != nil {
		return err
	}
	if info == nil {
		info, err = m.oauthClient.RegisterClient(ctx, meta.RegistrationEndpoint, oauth.ClientMetadata{
			ClientName:              clientName,
			RedirectURIs:            []string{m.callbackURL},
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: "none",
			Scope:                   strings.Join(defaultScopes, " "),
		})
		if err != nil {
			return fmt.Errorf("dynamic client registration failed for %s: %w", m.serverURL, err)
		}
		if err := m.provider.SaveClientInformation(ctx, info); err != nil {
			return err
		}
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return err
	}
	if err := m.provider.SaveCodeVerifier(ctx, pkce.CodeVerifier); err != nil {
		return err
	}

	// Only a Bearer challenge carrying OAuth parameters gets to narrow the
	// requested scope; anything else falls back to the defaults.
	scope := strings.Join(defaultScopes, " ")
	if challenge.IsOAuthChallenge() && challenge.Scope != "" {
		scope = challenge.Scope
	}

	authURL, err := m.oauthClient.BuildAuthorizationURL(
		meta.AuthorizationEndpoint, info.ClientID, m.callbackURL, m.provider.State(), scope, pkce)
	if err != nil {
		return err
	}

	if err := m.provider.RedirectToAuthorization(ctx, authURL); err != nil {
		return err
	}
	m.authorizationURL = authURL

	m.logger.Debug("Authorization required, flow prepared",
		"server_url", m.serverURL)

	return &AuthorizationRequiredError{
		ServerURL:        m.serverURL,
		AuthorizationURL: authURL,
	}
}

// discoverMetadata resolves authorization server metadata, preferring an
// issuer named in the server's WWW-Authenticate challenge and falling back
// to RFC 9728 discovery against the server's own origin.
func (m *Manager) discoverMetadata(ctx context.Context, challenge *oauth.AuthChallenge) (*oauth.Metadata, error) {
	if issuer := challenge.GetIssuer(); issuer != "" {
		return m.oauthClient.DiscoverMetadata(ctx, issuer)
	}
	return m.oauthClient.DiscoverAuthorizationServer(ctx, m.serverURL)
}

// FinishAuth completes the code-to-token exchange for a pending handshake,
// then discards and rebuilds the client/transport pair before connecting
// again. The pre-auth transport is considered tainted by the failed first
// handshake and is never reused.
func (m *Manager) FinishAuth(ctx context.Context, authorizationCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	verifier, err := m.provider.CodeVerifier(ctx)
	if err != nil {
		return err
	}

	info, err := m.provider.ClientInformation(ctx)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("no client registration for session; cannot exchange authorization code")
	}

	meta, err := m.oauthClient.DiscoverAuthorizationServer(ctx, m.serverURL)
	if err != nil {
		return fmt.Errorf("oauth discovery failed for %s: %w", m.serverURL, err)
	}

	tokens, err := m.oauthClient.ExchangeCode(
		ctx, meta.TokenEndpoint, authorizationCode, m.callbackURL, info.ClientID, verifier)
	if err != nil {
		return fmt.Errorf("token exchange failed for %s: %w", m.serverURL, err)
	}

	if err := m.provider.SaveTokens(ctx, tokens); err != nil {
		return err
	}
	if err := m.provider.DeleteCodeVerifier(ctx); err != nil {
		return err
	}

	// Exchange done; rebuild from scratch and connect authenticated.
	m.closeLocked()
	m.state = StateConnecting

	mcpClient, err := m.buildClient(ctx, tokens)
	if err != nil {
		m.state = StateFailed
		if isUnauthorizedErr(err) {
			return &AuthorizationRequiredError{ServerURL: m.serverURL}
		}
		return &TransportConnectError{ServerURL: m.serverURL, Err: err}
	}

	m.client = mcpClient
	m.state = StateConnected
	m.authorizationURL = ""

	if err := m.persistActiveLocked(ctx, true); err != nil {
		return err
	}

	m.logger.Debug("Authorization completed, session active",
		"server_url", m.serverURL,
		"scopes", tokens.Scopes())

	return nil
}

// ListTools returns all tools the remote server exposes. Requires a prior
// successful Connect. Token validity is ensured first; an unauthorized error
// mid-call triggers exactly one refresh-and-retry cycle.
func (m *Manager) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil, ErrNotConnected
	}
	if err := m.ensureValidTokensLocked(ctx); err != nil {
		return nil, err
	}

	result, err := m.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil && isUnauthorizedErr(err) {
		if retryErr := m.refreshAndReconnectLocked(ctx); retryErr == nil {
			result, err = m.client.ListTools(ctx, mcp.ListToolsRequest{})
		}
	}
	if err != nil {
		return nil, m.wrapCallError(ctx, "list tools", err)
	}

	return result.Tools, nil
}

// CallTool executes a tool on the remote server. Requires a prior successful
// Connect. Token validity is ensured first; an unauthorized error mid-call
// triggers exactly one refresh-and-retry cycle.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil, ErrNotConnected
	}
	if err := m.ensureValidTokensLocked(ctx); err != nil {
		return nil, err
	}

	result, err := m.callToolLocked(ctx, name, args)
	if err != nil && isUnauthorizedErr(err) {
		if retryErr := m.refreshAndReconnectLocked(ctx); retryErr == nil {
			result, err = m.callToolLocked(ctx, name, args)
		}
	}
	if err != nil {
		return nil, m.wrapCallError(ctx, "call tool", err)
	}

	return result, nil
}

// callToolLocked issues the tool call on the live client. Caller holds m.mu.
func (m *Manager) callToolLocked(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return m.client.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
}

// wrapCallError converts the terminal error of a tool operation: a still
// unauthorized call after the single refresh cycle marks the session
// inactive and surfaces as AuthorizationRequiredError; everything else is
// wrapped with context.
func (m *Manager) wrapCallError(ctx context.Context, op string, err error) error {
	if isUnauthorizedErr(err) {
		if perr := m.persistActiveLocked(ctx, false); perr != nil {
			return perr
		}
		return &AuthorizationRequiredError{ServerURL: m.serverURL}
	}
	return fmt.Errorf("failed to %s on %s: %w", op, m.serverURL, err)
}

// ensureValidTokensLocked loads tokens (priming the expiry cache) and
// refreshes them when expired, reconnecting with the new credentials. A
// session without tokens passes through untouched. Caller holds m.mu.
func (m *Manager) ensureValidTokensLocked(ctx context.Context) error {
	tokens, err := m.provider.Tokens(ctx)
	if err != nil {
		return err
	}
	if tokens == nil || !m.provider.IsTokenExpired() {
		return nil
	}

	return m.refreshAndReconnectLocked(ctx)
}

// refreshAndReconnectLocked performs one refresh attempt and, on success,
// rebuilds the connection with the fresh token. A failed refresh means the
// user must authorize again. Caller holds m.mu.
func (m *Manager) refreshAndReconnectLocked(ctx context.Context) error {
	if !m.refreshTokenLocked(ctx) {
		if err := m.persistActiveLocked(ctx, false); err != nil {
			return err
		}
		return &AuthorizationRequiredError{ServerURL: m.serverURL}
	}
	return m.reconnectLocked(ctx)
}

// GetValidTokens ensures tokens are loaded and unexpired, refreshing once if
// needed. Returns false when the session has no tokens or the refresh
// failed; callers treat false as "authorization required again".
func (m *Manager) GetValidTokens(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, err := m.provider.Tokens(ctx)
	if err != nil || tokens == nil {
		return false
	}
	if !m.provider.IsTokenExpired() {
		return true
	}
	return m.refreshTokenLocked(ctx)
}

// RefreshToken performs one refresh-token grant. On success the new token
// set is persisted (with recomputed expiry) and true is returned; on any
// failure old tokens stay in place and false is returned. The boolean is the
// sanctioned error channel here: expired and revoked credentials are an
// expected, frequent condition.
func (m *Manager) RefreshToken(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshTokenLocked(ctx)
}

// refreshTokenLocked runs the refresh under a per-session singleflight so
// concurrent callers within this process coalesce. Caller holds m.mu.
func (m *Manager) refreshTokenLocked(ctx context.Context) bool {
	v, _, _ := refreshGroup.Do(m.sessionID, func() (interface{}, error) {
		return m.doRefreshToken(ctx), nil
	})
	return v.(bool)
}

func (m *Manager) doRefreshToken(ctx context.Context) bool {
	tokens, err := m.provider.Tokens(ctx)
	if err != nil || tokens == nil || tokens.RefreshToken == "" {
		return false
	}

	info, err := m.provider.ClientInformation(ctx)
	if err != nil || info == nil {
		return false
	}

	meta, err := m.oauthClient.DiscoverAuthorizationServer(ctx, m.serverURL)
	if err != nil {
		m.logger.Debug("Token refresh discovery failed",
			"server_url", m.serverURL,
			"error", err)
		return false
	}

	newTokens, err := m.oauthClient.RefreshToken(ctx, meta.TokenEndpoint, tokens.RefreshToken, info.ClientID)
	if err != nil {
		m.logger.Debug("Token refresh failed",
			"server_url", m.serverURL,
			"error", err)
		return false
	}

	// Servers that don't rotate refresh tokens omit them from the response.
	if newTokens.RefreshToken == "" {
		newTokens.RefreshToken = tokens.RefreshToken
	}

	if err := m.provider.SaveTokens(ctx, newTokens); err != nil {
		m.logger.Warn("Failed to persist refreshed tokens",
			"server_url", m.serverURL,
			"error", err)
		return false
	}

	m.logger.Debug("Refreshed OAuth tokens",
		"server_url", m.serverURL)

	return true
}

// Reconnect rebuilds the client/transport pair using the existing provider,
// with no new OAuth artifacts. Used after a successful token refresh and
// when rehydrating an already-authenticated session.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectLocked(ctx)
}

func (m *Manager) reconnectLocked(ctx context.Context) error {
	m.closeLocked()
	m.state = StateConnecting

	tokens, err := m.provider.Tokens(ctx)
	if err != nil {
		m.state = StateFailed
		return err
	}

	mcpClient, err := m.buildClient(ctx, tokens)
	if err != nil {
		m.state = StateFailed
		if isUnauthorizedErr(err) {
			// A revoked session surfaces here; no new flow is started.
			if perr := m.persistActiveLocked(ctx, false); perr != nil {
				return perr
			}
			return &AuthorizationRequiredError{ServerURL: m.serverURL}
		}
		return &TransportConnectError{ServerURL: m.serverURL, Err: err}
	}

	m.client = mcpClient
	m.state = StateConnected
	return nil
}

// Disconnect closes the live client handle and drops in-memory references.
// The persisted session record is untouched; deleting it is a separate,
// explicit remove operation.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	m.state = StateUninitialized
}

// closeLocked closes and drops the client handle. Caller holds m.mu.
func (m *Manager) closeLocked() {
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			m.logger.Debug("Error closing MCP client",
				"server_url", m.serverURL,
				"error", err)
		}
		m.client = nil
	}
}

// persistActiveLocked corrects the stored active flag. Caller holds m.mu.
func (m *Manager) persistActiveLocked(ctx context.Context, active bool) error {
	return m.store.Save(ctx, m.sessionID, session.Update{
		Active: session.Ptr(active),
	})
}

// buildClient constructs and initializes the transport-specific MCP client,
// attaching a bearer header when the session holds tokens.
func (m *Manager) buildClient(ctx context.Context, tokens *oauth.Token) (client.MCPClient, error) {
	headers := map[string]string{}
	if tokens != nil && tokens.AccessToken != "" {
		headers["Authorization"] = "Bearer " + tokens.AccessToken
	}

	var mcpClient *client.Client
	var err error

	switch m.transport {
	case session.TransportSSE:
		var opts []transport.ClientOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHeaders(headers))
		}
		mcpClient, err = client.NewSSEMCPClient(m.serverURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client: %w", err)
		}
		if err := mcpClient.Start(ctx); err != nil {
			return nil, err
		}

	case session.TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		mcpClient, err = client.NewStreamableHttpClient(m.serverURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create StreamableHTTP client: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported transport type: %s", m.transport)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		mcpClient.Close()
		return nil, err
	}

	return mcpClient, nil
}

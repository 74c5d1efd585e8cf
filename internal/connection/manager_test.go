package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/session"
	"mcphub/pkg/oauth"
)

// stubMCP is an MCP server stub with a built-in OAuth authorization server:
// discovery, dynamic registration, and token endpoints plus an optionally
// token-protected streamable HTTP MCP endpoint exposing one "echo" tool.
type stubMCP struct {
	ts *httptest.Server

	mu            sync.Mutex
	requireAuth   bool
	acceptedToken string
	alwaysReject  bool
	pkceMethods   []string
	registerFail  bool

	registerHits int32
	exchangeHits int32
	refreshHits  int32
}

func newStubMCP(t *testing.T, requireAuth bool) *stubMCP {
	t.Helper()

	s := &stubMCP{requireAuth: requireAuth, pkceMethods: []string{"S256"}}

	mcpServer := server.NewMCPServer("stub", "1.0.0", server.WithToolCapabilities(false))
	mcpServer.AddTool(
		mcp.NewTool("echo", mcp.WithDescription("echoes its input")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		},
	)
	streamable := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]interface{}{
			"resource":              s.ts.URL,
			"authorization_servers": []string{s.ts.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		methods := s.pkceMethods
		s.mu.Unlock()
		writeStubJSON(w, map[string]interface{}{
			"issuer":                           s.ts.URL,
			"authorization_endpoint":           s.ts.URL + "/authorize",
			"token_endpoint":                   s.ts.URL + "/token",
			"registration_endpoint":            s.ts.URL + "/register",
			"code_challenge_methods_supported": methods,
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fail := s.registerFail
		s.mu.Unlock()
		if fail {
			http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
			return
		}
		atomic.AddInt32(&s.registerHits, 1)
		w.WriteHeader(http.StatusCreated)
		writeStubJSON(w, map[string]interface{}{"client_id": "client-123"})
	})
	mux.HandleFunc("/token", s.handleToken)
	mux.Handle("/mcp", s.protect(streamable))

	s.ts = httptest.NewServer(mux)
	t.Cleanup(s.ts.Close)
	return s
}

// Endpoint is the MCP URL managers connect to.
func (s *stubMCP) Endpoint() string { return s.ts.URL + "/mcp" }

func (s *stubMCP) setAlwaysReject(reject bool) {
	s.mu.Lock()
	s.alwaysReject = reject
	s.mu.Unlock()
}

func (s *stubMCP) setPKCEMethods(methods []string) {
	s.mu.Lock()
	s.pkceMethods = methods
	s.mu.Unlock()
}

func (s *stubMCP) setRegisterFailing(fail bool) {
	s.mu.Lock()
	s.registerFail = fail
	s.mu.Unlock()
}

func (s *stubMCP) setAcceptedToken(token string) {
	s.mu.Lock()
	s.requireAuth = true
	s.acceptedToken = token
	s.mu.Unlock()
}

func (s *stubMCP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		atomic.AddInt32(&s.exchangeHits, 1)
		if r.Form.Get("code_verifier") == "" {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		s.setAcceptedToken("abc")
		writeStubJSON(w, map[string]interface{}{
			"access_token":  "abc",
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	case "refresh_token":
		atomic.AddInt32(&s.refreshHits, 1)
		if r.Form.Get("refresh_token") == "" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		s.setAcceptedToken("abc2")
		writeStubJSON(w, map[string]interface{}{
			"access_token": "abc2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
	}
}

func (s *stubMCP) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		requireAuth := s.requireAuth
		accepted := s.acceptedToken
		reject := s.alwaysReject
		s.mu.Unlock()

		if reject || (requireAuth && r.Header.Get("Authorization") != "Bearer "+accepted) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", s.ts.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStubJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestManager(t *testing.T, store session.Store, sessionID, endpoint string) *Manager {
	t.Helper()
	mgr, err := NewManager(ManagerConfig{
		SessionID:   sessionID,
		ServerURL:   endpoint,
		Transport:   session.TransportStreamableHTTP,
		CallbackURL: "http://localhost:8090/oauth/callback",
		Store:       store,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Disconnect)
	return mgr
}

// seedAuthenticatedSession persists a record as if a handshake had already
// completed.
func seedAuthenticatedSession(t *testing.T, store session.Store, sessionID, endpoint, accessToken string) {
	t.Helper()
	err := store.Save(context.Background(), sessionID, session.Update{
		UserID:            session.Ptr("user-1"),
		ServerName:        session.Ptr("Stub Server"),
		ServerURL:         session.Ptr(endpoint),
		TransportType:     session.Ptr(session.TransportStreamableHTTP),
		Active:            session.Ptr(true),
		Tokens:            &oauth.Token{AccessToken: accessToken, RefreshToken: "refresh-1", TokenType: "Bearer"},
		ClientInformation: &oauth.ClientInformation{ClientID: "client-123"},
	})
	require.NoError(t, err)
}

func TestConnectWithoutAuthorization(t *testing.T) {
	stub := newStubMCP(t, false)
	store := session.NewMemoryStore(0)
	mgr := newTestManager(t, store, "sess-open", stub.Endpoint())

	require.NoError(t, mgr.Connect(context.Background()))
	assert.Equal(t, StateConnected, mgr.State())

	rec, err := store.Get(context.Background(), "sess-open")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Active)

	tools, err := mgr.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := mgr.CallTool(context.Background(), "echo", map[string]interface{}{"msg": "hi"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)
}

func TestConnectRequiresAuthorization(t *testing.T) {
	stub := newStubMCP(t, true)
	store := session.NewMemoryStore(0)
	mgr := newTestManager(t, store, "sess-auth", stub.Endpoint())
	ctx := context.Background()

	err := mgr.Connect(ctx)
	require.Error(t, err)
	assert.True(t, IsAuthorizationRequired(err))
	assert.Equal(t, StateAwaitingAuthorization, mgr.State())

	var authErr *AuthorizationRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.AuthorizationURL, "state=sess-auth")
	assert.Contains(t, authErr.AuthorizationURL, "code_challenge=")

	// The stored record captures the pending handshake.
	rec, err := store.Get(ctx, "sess-auth")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Active)
	assert.Nil(t, rec.Tokens)
	assert.NotEmpty(t, rec.CodeVerifier)
	require.NotNil(t, rec.ClientInformation)
	assert.Equal(t, "client-123", rec.ClientInformation.ClientID)
	assert.EqualValues(t, 1, atomic.LoadInt32(&stub.registerHits))

	// The callback delivers a code; FinishAuth completes the handshake.
	require.NoError(t, mgr.FinishAuth(ctx, "test-code"))
	assert.Equal(t, StateConnected, mgr.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&stub.exchangeHits))

	rec, err = store.Get(ctx, "sess-auth")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Active)
	require.NotNil(t, rec.Tokens)
	assert.Equal(t, "abc", rec.Tokens.AccessToken)
	assert.Empty(t, rec.CodeVerifier)

	tools, err := mgr.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestConnectRejectsNonPKCEServer(t *testing.T) {
	stub := newStubMCP(t, true)
	stub.setPKCEMethods([]string{"plain"})
	store := session.NewMemoryStore(0)
	mgr := newTestManager(t, store, "sess-nopkce", stub.Endpoint())

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, IsAuthorizationRequired(err))
	assert.Contains(t, err.Error(), "PKCE")
	assert.Equal(t, StateFailed, mgr.State())

	// The flow never got as far as registering a client.
	assert.EqualValues(t, 0, atomic.LoadInt32(&stub.registerHits))
}

func TestConnectAuthorizationPrepFailure(t *testing.T) {
	stub := newStubMCP(t, true)
	stub.setRegisterFailing(true)
	store := session.NewMemoryStore(0)
	mgr := newTestManager(t, store, "sess-prepfail", stub.Endpoint())
	ctx := context.Background()

	err := mgr.Connect(ctx)
	require.Error(t, err)

	// Preparation failed, so nothing is pending for the user: the manager
	// must not claim a flow is awaiting authorization.
	assert.False(t, IsAuthorizationRequired(err))
	assert.Equal(t, StateFailed, mgr.State())

	rec, err := store.Get(ctx, "sess-prepfail")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Active)
}

func TestFinishAuthWithoutVerifier(t *testing.T) {
	stub := newStubMCP(t, true)
	store := session.NewMemoryStore(0)
	mgr := newTestManager(t, store, "sess-noverifier", stub.Endpoint())

	err := mgr.FinishAuth(context.Background(), "test-code")
	assert.ErrorIs(t, err, ErrNoCodeVerifier)
}

func TestCallToolRefreshOnceThenFail(t *testing.T) {
	stub := newStubMCP(t, false)
	stub.setAcceptedToken("abc")
	store := session.NewMemoryStore(0)
	seedAuthenticatedSession(t, store, "sess-refresh", stub.Endpoint(), "abc")

	mgr := newTestManager(t, store, "sess-refresh", stub.Endpoint())
	ctx := context.Background()
	require.NoError(t, mgr.Connect(ctx))

	// The server now rejects every request regardless of token. A refreshed
	// token cannot help, and exactly one refresh may be attempted.
	stub.setAlwaysReject(true)

	_, err := mgr.CallTool(ctx, "echo", nil)
	require.Error(t, err)
	assert.True(t, IsAuthorizationRequired(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&stub.refreshHits))

	rec, err := store.Get(ctx, "sess-refresh")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Active)
}

func TestConnectRefreshesExpiredToken(t *testing.T) {
	stub := newStubMCP(t, false)
	stub.setAcceptedToken("abc2")
	store := session.NewMemoryStore(0)
	ctx := context.Background()

	seedAuthenticatedSession(t, store, "sess-expired", stub.Endpoint(), "stale")
	require.NoError(t, store.Save(ctx, "sess-expired", session.Update{
		TokenExpiresAt: session.Ptr(time.Now().Add(-time.Minute)),
	}))

	mgr := newTestManager(t, store, "sess-expired", stub.Endpoint())
	require.NoError(t, mgr.Connect(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt32(&stub.refreshHits))

	rec, err := store.Get(ctx, "sess-expired")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "abc2", rec.Tokens.AccessToken)
	// The server did not rotate the refresh token; the old one is kept.
	assert.Equal(t, "refresh-1", rec.Tokens.RefreshToken)
}

func TestConnectStoreUnavailable(t *testing.T) {
	stub := newStubMCP(t, false)
	store := session.NewMemoryStore(0)
	store.SetUnavailable(true)

	mgr := newTestManager(t, store, "sess-down", stub.Endpoint())
	err := mgr.Connect(context.Background())
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	assert.Equal(t, StateFailed, mgr.State())
}

func TestDisconnectDropsHandle(t *testing.T) {
	stub := newStubMCP(t, false)
	store := session.NewMemoryStore(0)
	mgr := newTestManager(t, store, "sess-close", stub.Endpoint())
	ctx := context.Background()

	require.NoError(t, mgr.Connect(ctx))
	mgr.Disconnect()
	assert.Equal(t, StateUninitialized, mgr.State())

	_, err := mgr.ListTools(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)

	// The record survives; disconnect is not removal.
	rec, err := store.Get(ctx, "sess-close")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestConnectOverSSE(t *testing.T) {
	mcpServer := server.NewMCPServer("stub-sse", "1.0.0", server.WithToolCapabilities(false))
	mcpServer.AddTool(
		mcp.NewTool("echo", mcp.WithDescription("echoes its input")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		},
	)

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	handler = server.NewSSEServer(
		mcpServer,
		server.WithBaseURL(ts.URL),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
	)

	store := session.NewMemoryStore(0)
	mgr, err := NewManager(ManagerConfig{
		SessionID:   "sess-sse",
		ServerURL:   ts.URL + "/sse",
		Transport:   session.TransportSSE,
		CallbackURL: "http://localhost:8090/oauth/callback",
		Store:       store,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Disconnect)

	require.NoError(t, mgr.Connect(context.Background()))

	tools, err := mgr.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestTransportConnectError(t *testing.T) {
	store := session.NewMemoryStore(0)
	// Nothing listens here; the handshake fails without a 401.
	mgr := newTestManager(t, store, "sess-unreachable", "http://127.0.0.1:1/mcp")

	err := mgr.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, IsAuthorizationRequired(err))

	var connErr *TransportConnectError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateFailed, mgr.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "awaiting_authorization", StateAwaitingAuthorization.String())
	assert.True(t, strings.HasPrefix(StateConnecting.String(), "connect"))
}

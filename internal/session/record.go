package session

import (
	"time"

	"mcphub/pkg/oauth"
)

// TransportType identifies the wire binding used for a connection.
// Fixed at session creation.
type TransportType string

const (
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable_http"
)

// Valid reports whether t is one of the supported transport types.
func (t TransportType) Valid() bool {
	return t == TransportSSE || t == TransportStreamableHTTP
}

// Record is the durable unit of connection state: one logical connection
// from one user to one MCP server, keyed by SessionID and TTL-bound.
//
// A record with Tokens present is authenticated; one without Tokens but
// with a CodeVerifier is mid-handshake; one with neither is
// unauthenticated or failed.
type Record struct {
	// SessionID is an opaque unique token generated by the store. It
	// doubles as the OAuth state parameter, which is how the callback
	// route re-identifies the pending session a returned code belongs to.
	SessionID string `json:"sessionId"`

	// UserID is the owning user, indexed via a reverse set for
	// "list my active servers".
	UserID string `json:"userId"`

	// ServerID identifies the catalog entry for the remote server.
	ServerID string `json:"serverId,omitempty"`

	// ServerName is the human-readable server name, used to derive the
	// protocol-safe label for agent configuration.
	ServerName string `json:"serverName,omitempty"`

	// ServerURL is the primary external identity of the remote MCP server.
	// OAuth discovery happens per-origin of this URL.
	ServerURL string `json:"serverUrl"`

	// CallbackURL is this application's OAuth redirect endpoint.
	CallbackURL string `json:"callbackUrl,omitempty"`

	// TransportType selects the transport implementation wrapping the
	// connection.
	TransportType TransportType `json:"transportType"`

	// Active is true once a live, authenticated (or auth-not-required)
	// connection has been confirmed; false while mid-handshake or after a
	// confirmed-unauthorized failure. Corrected on every connect attempt.
	Active bool `json:"active"`

	// Tokens is the OAuth token set, when authenticated.
	Tokens *oauth.Token `json:"tokens,omitempty"`

	// TokenExpiresAt is the absolute expiry computed at save time
	// (now + expires_in - safety buffer). Never trust the provider's
	// relative expires_in at use time.
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitempty"`

	// ClientInformation is the dynamic-client-registration result,
	// persisted so re-registration is not required on rehydration.
	ClientInformation *oauth.ClientInformation `json:"clientInformation,omitempty"`

	// CodeVerifier is the PKCE verifier, present only between "redirect
	// issued" and "authorization code exchanged".
	CodeVerifier string `json:"codeVerifier,omitempty"`

	// CreatedAt is informational.
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Authenticated reports whether the record holds a token set.
func (r *Record) Authenticated() bool {
	return r.Tokens != nil && r.Tokens.AccessToken != ""
}

// MidHandshake reports whether an OAuth redirect has been issued but the
// authorization code has not been exchanged yet.
func (r *Record) MidHandshake() bool {
	return !r.Authenticated() && r.CodeVerifier != ""
}

// Update is a partial, merge-applied change to a Record. Nil fields leave
// the stored value untouched; explicit clears use the Clear* flags.
type Update struct {
	UserID            *string
	ServerID          *string
	ServerName        *string
	ServerURL         *string
	CallbackURL       *string
	TransportType     *TransportType
	Active            *bool
	Tokens            *oauth.Token
	TokenExpiresAt    *time.Time
	ClientInformation *oauth.ClientInformation
	CodeVerifier      *string
	CreatedAt         *time.Time

	// ClearCodeVerifier removes the stored PKCE verifier. Must be set once
	// the authorization code has been exchanged.
	ClearCodeVerifier bool
}

// apply merges the update into the record, field by field.
func (u *Update) apply(r *Record) {
	if u.UserID != nil {
		r.UserID = *u.UserID
	}
	if u.ServerID != nil {
		r.ServerID = *u.ServerID
	}
	if u.ServerName != nil {
		r.ServerName = *u.ServerName
	}
	if u.ServerURL != nil {
		r.ServerURL = *u.ServerURL
	}
	if u.CallbackURL != nil {
		r.CallbackURL = *u.CallbackURL
	}
	if u.TransportType != nil {
		r.TransportType = *u.TransportType
	}
	if u.Active != nil {
		r.Active = *u.Active
	}
	if u.Tokens != nil {
		r.Tokens = u.Tokens
	}
	if u.TokenExpiresAt != nil {
		r.TokenExpiresAt = *u.TokenExpiresAt
	}
	if u.ClientInformation != nil {
		r.ClientInformation = u.ClientInformation
	}
	if u.CodeVerifier != nil {
		r.CodeVerifier = *u.CodeVerifier
	}
	if u.CreatedAt != nil {
		r.CreatedAt = *u.CreatedAt
	}
	if u.ClearCodeVerifier {
		r.CodeVerifier = ""
	}
}

// Ptr returns a pointer to v. Convenience for building Updates.
func Ptr[T any](v T) *T { return &v }

package connection

import (
	"errors"
	"fmt"

	"mcphub/pkg/oauth"
)

// ErrSessionNotFound indicates no session record exists for the given id.
// Equivalent to "disconnected": the record may have expired or never existed.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoCodeVerifier indicates CodeVerifier was called with nothing saved.
// Callers treat this as "handshake not started / already completed", never
// as a fatal condition.
var ErrNoCodeVerifier = errors.New("no code verifier saved for session")

// ErrNotConnected indicates a tool operation was attempted before a
// successful Connect.
var ErrNotConnected = errors.New("client not connected")

// AuthorizationRequiredError signals that the remote server requires an
// OAuth authorization flow before a connection can be established. It
// carries no credentials, only what the caller needs to start the redirect.
type AuthorizationRequiredError struct {
	// ServerURL is the MCP server that demanded authorization.
	ServerURL string

	// AuthorizationURL is the URL to send the user's browser to. Empty when
	// the flow could not be prepared (e.g. discovery failed).
	AuthorizationURL string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s", e.ServerURL)
}

// IsAuthorizationRequired reports whether err is (or wraps) an
// AuthorizationRequiredError.
func IsAuthorizationRequired(err error) bool {
	var authErr *AuthorizationRequiredError
	return errors.As(err, &authErr)
}

// TransportConnectError is a network or protocol-level connection failure
// unrelated to authorization. The server URL is carried for diagnostics.
type TransportConnectError struct {
	ServerURL string
	Err       error
}

func (e *TransportConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.ServerURL, e.Err)
}

func (e *TransportConnectError) Unwrap() error {
	return e.Err
}

// isUnauthorizedErr reports whether err carries a 401-class signal from the
// transport. mcp-go does not surface a typed unauthorized error on the
// static-header path, so this falls back to message sniffing; the result is
// always converted into a typed error at this boundary and the string check
// never leaks further up.
func isUnauthorizedErr(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthorizationRequiredError
	if errors.As(err, &authErr) {
		return true
	}
	return oauth.Is401Error(err)
}

// Package oauth implements the OAuth 2.1 client-side protocol operations
// needed to authenticate against protected MCP servers: authorization server
// metadata discovery (RFC 8414 / OIDC), protected resource metadata
// discovery (RFC 9728), dynamic client registration (RFC 7591), PKCE
// (RFC 7636), authorization code exchange, and token refresh.
//
// The package is transport-agnostic and stateless apart from a TTL-bounded
// metadata cache; all session state lives with the caller.
package oauth

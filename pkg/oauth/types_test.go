package oauth

import (
	"net/url"
	"testing"
	"time"
)

func mustParseQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse URL %q: %v", rawURL, err)
	}
	return parsed.Query()
}

func TestTokenSetExpiresAtFromExpiresIn(t *testing.T) {
	t.Run("subtracts the five minute buffer", func(t *testing.T) {
		token := &Token{AccessToken: "abc", ExpiresIn: 3600}
		before := time.Now()
		token.SetExpiresAtFromExpiresIn()
		after := time.Now()

		// 3600s lifetime minus the 5 minute buffer lands at +3300s.
		lower := before.Add(3300 * time.Second)
		upper := after.Add(3300 * time.Second)
		if token.ExpiresAt.Before(lower) || token.ExpiresAt.After(upper) {
			t.Errorf("expected expiry near +3300s, got %v (now %v)", token.ExpiresAt, before)
		}
	})

	t.Run("absent expires_in means non-expiring", func(t *testing.T) {
		token := &Token{AccessToken: "abc"}
		token.SetExpiresAtFromExpiresIn()
		if !token.ExpiresAt.IsZero() {
			t.Errorf("expected zero expiry, got %v", token.ExpiresAt)
		}
		if token.IsExpired() {
			t.Error("token without expiry must not report expired")
		}
	})
}

func TestTokenIsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"before the boundary", time.Now().Add(300 * time.Second), false},
		{"within the safety margin", time.Now().Add(10 * time.Second), true},
		{"just after crossover", time.Now().Add(-2 * time.Second), true},
		{"long expired", time.Now().Add(-time.Hour), true},
		{"zero expiry never expires", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := &Token{AccessToken: "abc", ExpiresAt: tt.expiresAt}
			if got := token.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenToOAuth2Token(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	token := &Token{
		AccessToken:  "abc",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiry,
	}

	converted := token.ToOAuth2Token()
	if converted.AccessToken != "abc" || converted.TokenType != "Bearer" ||
		converted.RefreshToken != "refresh-1" || !converted.Expiry.Equal(expiry) {
		t.Errorf("unexpected conversion result: %+v", converted)
	}
	if !converted.Valid() {
		t.Error("unexpired token must convert to a valid oauth2 token")
	}

	stale := &Token{AccessToken: "abc", ExpiresAt: time.Now().Add(-time.Minute)}
	if stale.ToOAuth2Token().Valid() {
		t.Error("expired token must not convert to a valid oauth2 token")
	}
}

func TestNormalizeServerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/mcp", "https://example.com"},
		{"https://example.com/mcp/", "https://example.com"},
		{"https://example.com/sse", "https://example.com"},
		{"https://example.com/api/mcp", "https://example.com/api"},
		{"https://example.com/", "https://example.com"},
		{"https://example.com/other", "https://example.com/other"},
	}

	for _, tt := range tests {
		if got := NormalizeServerURL(tt.in); got != tt.want {
			t.Errorf("NormalizeServerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAuthChallengeIsOAuthChallenge(t *testing.T) {
	tests := []struct {
		name      string
		challenge *AuthChallenge
		want      bool
	}{
		{"nil challenge", nil, false},
		{"bare bearer", &AuthChallenge{Scheme: "Bearer"}, false},
		{"bearer with realm", &AuthChallenge{Scheme: "Bearer", Realm: "mcp"}, true},
		{"bearer with issuer", &AuthChallenge{Scheme: "bearer", Issuer: "https://auth"}, true},
		{"non-bearer scheme", &AuthChallenge{Scheme: "Basic", Realm: "mcp"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.challenge.IsOAuthChallenge(); got != tt.want {
				t.Errorf("IsOAuthChallenge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthChallengeGetIssuer(t *testing.T) {
	tests := []struct {
		name      string
		challenge *AuthChallenge
		want      string
	}{
		{"nil challenge", nil, ""},
		{"explicit issuer", &AuthChallenge{Issuer: "https://issuer"}, "https://issuer"},
		{"realm as URL", &AuthChallenge{Realm: "https://realm"}, "https://realm"},
		{"realm as name", &AuthChallenge{Realm: "api"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.challenge.GetIssuer(); got != tt.want {
				t.Errorf("GetIssuer() = %q, want %q", got, tt.want)
			}
		})
	}
}

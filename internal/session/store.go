package session

import (
	"context"
	"errors"
	"time"

	"mcphub/pkg/oauth"
)

// DefaultTTL bounds the lifetime of every session record. The TTL slides:
// it is reset on every read and write. Absence after expiry is equivalent
// to "disconnected", not an error.
const DefaultTTL = 12 * time.Hour

// ErrStoreUnavailable indicates the backing store is unreachable. Operations
// fail loudly with this error; a stateless deployment with a dead store must
// not pretend to have working sessions.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Store is the durable map holding session records. It is the only shared
// mutable resource in the connection core; in-process caches are never the
// source of truth.
//
// Save merge-writes: fields absent from the update never clobber stored
// values. Concurrent merges from different instances are tolerated with
// last-write-wins per field; no cross-field atomicity is guaranteed.
type Store interface {
	// GenerateSessionID returns a cryptographically random opaque token
	// suitable for use as both a session key and an OAuth state parameter.
	GenerateSessionID() (string, error)

	// Save merge-writes the update into the record for sessionID, creating
	// the record if absent, and resets the TTL. When the update carries a
	// UserID the record is added to that user's reverse index.
	Save(ctx context.Context, sessionID string, update Update) error

	// Get returns the record for sessionID, or nil when no record exists
	// (expired or never created). A successful read refreshes the TTL.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Remove deletes the record and removes it from the owning user's
	// reverse index. Removing an absent record is not an error.
	Remove(ctx context.Context, sessionID string) error

	// ListUserSessions returns the session ids owned by userID.
	ListUserSessions(ctx context.Context, userID string) ([]string, error)

	// ListAllSessionIDs returns every live session id. Administrative.
	ListAllSessionIDs(ctx context.Context) ([]string, error)

	// Clear deletes all session state. Administrative and test use only.
	Clear(ctx context.Context) error
}

// generateSessionID is the shared id generator used by Store
// implementations.
func generateSessionID() (string, error) {
	return oauth.GenerateState()
}

// ShortID truncates a session id for logging. The full id doubles as the
// OAuth state parameter and must never land in log output.
func ShortID(id string) string {
	const visible = 8
	if len(id) <= visible {
		return id
	}
	return id[:visible]
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the Redis store's semantics, including sliding TTL and the
// per-user reverse index, and can simulate a dead backend via SetUnavailable.
type MemoryStore struct {
	mu          sync.RWMutex
	ttl         time.Duration
	records     map[string]*memoryEntry
	userIndex   map[string]map[string]struct{}
	unavailable bool

	// now is swappable for TTL tests.
	now func() time.Time
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory session store with the given TTL
// (DefaultTTL when zero).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:       ttl,
		records:   make(map[string]*memoryEntry),
		userIndex: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// SetUnavailable toggles simulated backend failure: while set, every
// operation fails with ErrStoreUnavailable.
func (s *MemoryStore) SetUnavailable(down bool) {
	s.mu.Lock()
	s.unavailable = down
	s.mu.Unlock()
}

// SetClock overrides the store's time source. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// GenerateSessionID returns a cryptographically random opaque token.
func (s *MemoryStore) GenerateSessionID() (string, error) {
	return generateSessionID()
}

// Save merge-writes the update and resets the TTL.
func (s *MemoryStore) Save(ctx context.Context, sessionID string, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("%w: save session", ErrStoreUnavailable)
	}

	record := s.loadLocked(sessionID)
	if record == nil {
		record = &Record{
			SessionID: sessionID,
			CreatedAt: s.now().UTC(),
		}
	}

	update.apply(record)

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	s.records[sessionID] = &memoryEntry{
		payload:   payload,
		expiresAt: s.now().Add(s.ttl),
	}

	if record.UserID != "" {
		set, ok := s.userIndex[record.UserID]
		if !ok {
			set = make(map[string]struct{})
			s.userIndex[record.UserID] = set
		}
		set[sessionID] = struct{}{}
	}

	return nil
}

// Get returns the record, refreshing its TTL, or nil when absent/expired.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return nil, fmt.Errorf("%w: get session", ErrStoreUnavailable)
	}

	record := s.loadLocked(sessionID)
	if record == nil {
		return nil, nil
	}

	// Sliding expiration.
	s.records[sessionID].expiresAt = s.now().Add(s.ttl)

	return record, nil
}

// loadLocked unmarshals a live record; expired entries are dropped.
// Caller holds s.mu.
func (s *MemoryStore) loadLocked(sessionID string) *Record {
	entry, ok := s.records[sessionID]
	if !ok {
		return nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.records, sessionID)
		return nil
	}

	var record Record
	if err := json.Unmarshal(entry.payload, &record); err != nil {
		return nil
	}
	return &record
}

// Remove deletes the record and drops it from the owner's reverse index.
func (s *MemoryStore) Remove(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("%w: remove session", ErrStoreUnavailable)
	}

	if record := s.loadLocked(sessionID); record != nil && record.UserID != "" {
		delete(s.userIndex[record.UserID], sessionID)
	}
	delete(s.records, sessionID)

	return nil
}

// ListUserSessions returns the live session ids owned by userID.
func (s *MemoryStore) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return nil, fmt.Errorf("%w: list user sessions", ErrStoreUnavailable)
	}

	var ids []string
	for id := range s.userIndex[userID] {
		if s.loadLocked(id) == nil {
			delete(s.userIndex[userID], id)
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// ListAllSessionIDs returns every live session id.
func (s *MemoryStore) ListAllSessionIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return nil, fmt.Errorf("%w: list sessions", ErrStoreUnavailable)
	}

	var ids []string
	for id := range s.records {
		if s.loadLocked(id) != nil {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// Clear deletes all session state.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("%w: clear sessions", ErrStoreUnavailable)
	}

	s.records = make(map[string]*memoryEntry)
	s.userIndex = make(map[string]map[string]struct{})

	return nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// defaultKeyPrefix namespaces all keys written by this store.
	defaultKeyPrefix = "mcp:"

	// scanBatchSize is the COUNT hint for SCAN iterations.
	scanBatchSize = 100
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys. Default: "mcp:".
	KeyPrefix string

	// TTL bounds every record's lifetime. Default: DefaultTTL.
	TTL time.Duration

	// Logger receives debug logging. Default: slog.Default().
	Logger *slog.Logger
}

// RedisStore implements Store on a Redis-compatible backend. Records are
// JSON values at "{prefix}session:{sessionId}"; each user's sessions are a
// SET at "{prefix}user:{userId}:sessions".
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &RedisStore{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		logger:    cfg.Logger,
	}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.keyPrefix + "user:" + userID + ":sessions"
}

// GenerateSessionID returns a cryptographically random opaque token.
func (s *RedisStore) GenerateSessionID() (string, error) {
	return generateSessionID()
}

// Save merge-writes the update into the stored record and resets the TTL.
// Concurrent merges race with last-write-wins semantics, which the store
// contract accepts; duplicate token refreshes are wasteful but not unsafe.
func (s *RedisStore) Save(ctx context.Context, sessionID string, update Update) error {
	key := s.sessionKey(sessionID)

	record, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		record = &Record{
			SessionID: sessionID,
			CreatedAt: time.Now().UTC(),
		}
	}

	update.apply(record)

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, s.ttl)
	if record.UserID != "" {
		pipe.SAdd(ctx, s.userKey(record.UserID), sessionID)
		pipe.Expire(ctx, s.userKey(record.UserID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save session: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// Get returns the record for sessionID, refreshing its TTL, or nil when the
// record does not exist.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	key := s.sessionKey(sessionID)

	record, err := s.load(ctx, key)
	if err != nil || record == nil {
		return record, err
	}

	// Sliding expiration: every read extends the session's lifetime.
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, key, s.ttl)
	if record.UserID != "" {
		pipe.Expire(ctx, s.userKey(record.UserID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: refresh session ttl: %v", ErrStoreUnavailable, err)
	}

	return record, nil
}

// load fetches and unmarshals a record without touching its TTL.
func (s *RedisStore) load(ctx context.Context, key string) (*Record, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get session: %v", ErrStoreUnavailable, err)
	}

	var record Record
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}

	return &record, nil
}

// Remove deletes the record and drops it from the owner's reverse index.
func (s *RedisStore) Remove(ctx context.Context, sessionID string) error {
	key := s.sessionKey(sessionID)

	record, err := s.load(ctx, key)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if record != nil && record.UserID != "" {
		pipe.SRem(ctx, s.userKey(record.UserID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: remove session: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// ListUserSessions returns the session ids recorded in the user's reverse
// index. Ids whose records have since expired are pruned lazily.
func (s *RedisStore) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list user sessions: %v", ErrStoreUnavailable, err)
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: check session existence: %v", ErrStoreUnavailable, err)
		}
		if n == 0 {
			// Record expired out from under the index.
			if err := s.client.SRem(ctx, s.userKey(userID), id).Err(); err != nil {
				s.logger.Debug("Failed to prune expired session from user index",
					"user_id", userID,
					"error", err)
			}
			continue
		}
		live = append(live, id)
	}

	return live, nil
}

// ListAllSessionIDs scans for every live session key.
func (s *RedisStore) ListAllSessionIDs(ctx context.Context) ([]string, error) {
	pattern := s.keyPrefix + "session:*"

	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: scan sessions: %v", ErrStoreUnavailable, err)
	}

	ids := make([]string, 0, len(keys))
	prefixLen := len(s.keyPrefix + "session:")
	for _, key := range keys {
		ids = append(ids, key[prefixLen:])
	}

	return ids, nil
}

// Clear deletes all keys written by this store.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scanKeys(ctx, s.keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: scan for clear: %v", ErrStoreUnavailable, err)
	}

	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("%w: clear sessions: %v", ErrStoreUnavailable, err)
		}
	}

	return nil
}

// scanKeys uses SCAN to find all keys matching a pattern.
func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, err
		}

		keys = append(keys, batch...)
		cursor = next

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Compile-time interface check
var _ Store = (*RedisStore)(nil)

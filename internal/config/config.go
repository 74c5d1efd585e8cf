// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the process configuration, populated from environment variables
// via envdecode struct tags.
type Config struct {
	// RedisURL is the connection URL for the durable session store.
	// Required; startup fails loudly without it. ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL,required"`

	// ListenAddr is the HTTP bind address. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8090"`

	// CallbackURL is the externally reachable OAuth redirect endpoint.
	// ENV: CALLBACK_URL
	CallbackURL string `env:"CALLBACK_URL,default=http://localhost:8090/oauth/callback"`

	// SessionTTL is the sliding session lifetime. ENV: SESSION_TTL
	SessionTTL time.Duration `env:"SESSION_TTL,default=12h"`

	// ConnectionCacheSize bounds the process-local manager cache.
	// ENV: CONNECTION_CACHE_SIZE
	ConnectionCacheSize int `env:"CONNECTION_CACHE_SIZE,default=128"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load populates a Config from the environment. A missing required variable
// is an error; this process refuses to start half-configured.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}
	return &cfg, nil
}

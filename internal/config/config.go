// Package config reads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
)

// Config is the process configuration. Empty URLs disable the
// corresponding backend.
type Config struct {
	Port string

	DatabaseURL string // PostgreSQL; in-memory store when empty
	RedisURL    string // read-through cache over PostgreSQL
	CacheTTL    time.Duration

	NATSURL     string
	NATSSubject string

	OracleURL     string // remote price service; prices are pushed over the API when empty
	OracleTimeout time.Duration

	KeeperAccount  string // empty disables the keeper
	KeeperSchedule string

	ShutdownTimeout time.Duration
}

// Lookup returns the value of an environment variable.
type Lookup func(key string) (string, bool)

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load reads the configuration through lookup, applying defaults.
func Load(lookup Lookup) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		Port:            r.str("PORT", "8080"),
		DatabaseURL:     r.str("DATABASE_URL", ""),
		RedisURL:        r.str("REDIS_URL", ""),
		CacheTTL:        r.duration("CACHE_TTL", 30*time.Second),
		NATSURL:         r.str("NATS_URL", ""),
		NATSSubject:     r.str("NATS_SUBJECT", "pile.events"),
		OracleURL:       r.str("ORACLE_URL", ""),
		OracleTimeout:   r.duration("ORACLE_TIMEOUT", 5*time.Second),
		KeeperAccount:   r.str("KEEPER_ACCOUNT", ""),
		KeeperSchedule:  r.str("KEEPER_SCHEDULE", "@every 5s"),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 5*time.Second),
	}
	if r.err != nil {
		return nil, r.err
	}
	if _, err := cast.ToUint16E(cfg.Port); err != nil {
		return nil, fmt.Errorf("config: PORT %q: %w", cfg.Port, err)
	}
	if cfg.RedisURL != "" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: REDIS_URL requires DATABASE_URL")
	}
	return cfg, nil
}

// reader keeps the first parse error so Load can read every key in one pass.
type reader struct {
	lookup Lookup
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := cast.ToDurationE(v)
	if err == nil && d <= 0 {
		err = fmt.Errorf("must be positive")
	}
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("config: %s %q: %w", key, v, err)
		}
		return def
	}
	return d
}

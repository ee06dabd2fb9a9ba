// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the sync gateway's runtime configuration, sourced from
// environment variables (a .env file is auto-loaded by the entrypoints).
type Config struct {
	// ListenAddr is the gateway bind address, e.g. ":8090".
	ListenAddr string

	// RedisAddr selects the Redis-backed document store. Empty means the
	// in-process memory store (single-node mode).
	RedisAddr string
	RedisDB   int

	// PostgresDSN enables the monitoring breadcrumb sink. Empty disables it.
	PostgresDSN string

	// TokenExpire is the guest session token lifetime. Zero means no expiry.
	TokenExpire time.Duration

	Verbose bool
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		ListenAddr:  ":" + GetEnv("MEMECLASH_PORT", "8090"),
		RedisAddr:   GetEnv("REDIS_ADDR", ""),
		RedisDB:     GetEnvInt("REDIS_DB", 0),
		PostgresDSN: GetEnv("POSTGRES_DSN", ""),
		TokenExpire: GetEnvDuration("TOKEN_EXPIRE_TIME", 0),
		Verbose:     GetEnv("MEMECLASH_VERBOSE", "") != "",
	}
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt is a helper to parse an environment variable as integer, else a default value.
func GetEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// GetEnvDuration parses an environment variable as a duration. "never", "0"
// and empty all mean the zero duration.
func GetEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" || s == "never" || s == "0" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

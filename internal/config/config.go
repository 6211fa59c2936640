// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (ASKDOCS_ prefix, runtime override)
//  2. Config file (~/.askdocs/config.yaml or --config)
//  3. Default values
//
// Main configuration categories:
//   - Server: listen address, CORS, trusted-proxy flag
//   - RateLimit: admission window, slots per window, protected endpoints
//   - Redis: rate-limit store backing (optional; in-memory fallback)
//   - Postgres: session and document storage
//   - RAG: provider/model/embedder, context window, query timeout, doc URLs
//   - Session: idle TTL and janitor interval
//
// Security: sensitive fields (passwords) are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation, checked with errors.Is().
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidWindow indicates the rate-limit window is out of range.
	ErrInvalidWindow = errors.New("invalid rate limit window")

	// ErrInvalidMaxRequests indicates max requests per window is out of range.
	ErrInvalidMaxRequests = errors.New("invalid max requests per window")

	// ErrInvalidContextWindow indicates the context message count is out of range.
	ErrInvalidContextWindow = errors.New("invalid context window")

	// ErrInvalidQueryTimeout indicates the downstream query timeout is out of range.
	ErrInvalidQueryTimeout = errors.New("invalid query timeout")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidRedisURL indicates the Redis URL could not be parsed.
	ErrInvalidRedisURL = errors.New("invalid Redis URL")

	// ErrInvalidSessionTTL indicates the session idle TTL is out of range.
	ErrInvalidSessionTTL = errors.New("invalid session TTL")
)

// Defaults for the admission-control surface.
const (
	// DefaultWindowSeconds is the admission window length.
	DefaultWindowSeconds = 60

	// DefaultMaxRequests is the number of admissions per window.
	DefaultMaxRequests = 1

	// DefaultContextWindow is the number of history messages passed to the
	// RAG engine. Full history is retained; only the LLM slice is bounded.
	DefaultContextWindow = 10

	// DefaultQueryTimeoutSeconds bounds the RAG engine call.
	DefaultQueryTimeoutSeconds = 30

	// DefaultRateKeyPrefix namespaces rate-limit keys in the shared store.
	DefaultRateKeyPrefix = "askdocs:ratelimit"

	// DefaultSessionTTL is how long an idle session survives before the
	// janitor evicts it.
	DefaultSessionTTL = 3 * time.Hour

	// DefaultCleanupInterval is how often the session janitor runs.
	DefaultCleanupInterval = 15 * time.Minute
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON. When adding new
// sensitive fields (passwords, API keys), update MarshalJSON.
type Config struct {
	// Server configuration
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)

	// Rate limiting configuration
	RateWindowSeconds  int      `mapstructure:"rate_window_seconds" json:"rate_window_seconds"`
	RateMaxRequests    int      `mapstructure:"rate_max_requests" json:"rate_max_requests"`
	RateKeyPrefix      string   `mapstructure:"rate_key_prefix" json:"rate_key_prefix"`
	RateBurst          int      `mapstructure:"rate_burst" json:"rate_burst"` // Per-IP burst guard (server self-protection)
	ProtectedEndpoints []string `mapstructure:"protected_endpoints" json:"protected_endpoints"`

	// Redis configuration (rate-limit store; empty URL = in-memory fallback)
	RedisURL string `mapstructure:"redis_url" json:"redis_url"` // SENSITIVE: may embed password, masked in MarshalJSON

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// RAG configuration
	Provider            string   `mapstructure:"provider" json:"provider"`
	ModelName           string   `mapstructure:"model_name" json:"model_name"`
	EmbedderModel       string   `mapstructure:"embedder_model" json:"embedder_model"`
	ContextWindow       int      `mapstructure:"context_window" json:"context_window"`
	QueryTimeoutSeconds int      `mapstructure:"query_timeout_seconds" json:"query_timeout_seconds"`
	TopK                int      `mapstructure:"top_k" json:"top_k"`
	DocURLs             []string `mapstructure:"doc_urls" json:"doc_urls"`

	// Session lifecycle configuration
	SessionTTL      time.Duration `mapstructure:"session_ttl" json:"session_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
}

// Load reads configuration from defaults, config file, and environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	home, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".askdocs"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ASKDOCS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; defaults + env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "127.0.0.1:5000")
	v.SetDefault("cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("trust_proxy", false)

	v.SetDefault("rate_window_seconds", DefaultWindowSeconds)
	v.SetDefault("rate_max_requests", DefaultMaxRequests)
	v.SetDefault("rate_key_prefix", DefaultRateKeyPrefix)
	v.SetDefault("rate_burst", 60)
	v.SetDefault("protected_endpoints", []string{"/api/chat/query"})

	v.SetDefault("redis_url", "")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "askdocs")
	v.SetDefault("postgres_db_name", "askdocs")
	v.SetDefault("postgres_ssl_mode", "prefer")

	v.SetDefault("provider", "gemini")
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("embedder_model", "gemini-embedding-001")
	v.SetDefault("context_window", DefaultContextWindow)
	v.SetDefault("query_timeout_seconds", DefaultQueryTimeoutSeconds)
	v.SetDefault("top_k", 5)

	v.SetDefault("session_ttl", DefaultSessionTTL)
	v.SetDefault("cleanup_interval", DefaultCleanupInterval)
}

// Validate performs range checks on the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.RateWindowSeconds < 1 || c.RateWindowSeconds > 86400 {
		return fmt.Errorf("%w: %d (must be 1-86400 seconds)", ErrInvalidWindow, c.RateWindowSeconds)
	}
	if c.RateMaxRequests < 1 || c.RateMaxRequests > 10000 {
		return fmt.Errorf("%w: %d (must be 1-10000)", ErrInvalidMaxRequests, c.RateMaxRequests)
	}
	if c.ContextWindow < 1 || c.ContextWindow > 1000 {
		return fmt.Errorf("%w: %d (must be 1-1000 messages)", ErrInvalidContextWindow, c.ContextWindow)
	}
	if c.QueryTimeoutSeconds < 1 || c.QueryTimeoutSeconds > 600 {
		return fmt.Errorf("%w: %d (must be 1-600 seconds)", ErrInvalidQueryTimeout, c.QueryTimeoutSeconds)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.RedisURL != "" {
		u, err := url.Parse(c.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("%w: %q", ErrInvalidRedisURL, c.RedisURL)
		}
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("%w: %s (must be at least 1m)", ErrInvalidSessionTTL, c.SessionTTL)
	}
	return nil
}

// RateWindow returns the admission window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// QueryTimeout returns the RAG engine timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// PostgresURL builds a postgres:// connection URL from the storage fields.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	if c.PostgresUser != "" {
		if c.PostgresPassword != "" {
			u.User = url.UserPassword(c.PostgresUser, c.PostgresPassword)
		} else {
			u.User = url.User(c.PostgresUser)
		}
	}
	q := url.Values{}
	if c.PostgresSSLMode != "" {
		q.Set("sslmode", c.PostgresSSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// MarshalJSON masks sensitive fields so the config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(*c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "****"
	}
	if masked.RedisURL != "" {
		if u, err := url.Parse(masked.RedisURL); err == nil && u.User != nil {
			u.User = url.UserPassword(u.User.Username(), "****")
			masked.RedisURL = u.String()
		}
	}
	return json.Marshal(masked)
}

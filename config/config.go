// Package config loads the server configuration from the environment via
// envdecode struct tags. Every recognized key is enumerated here.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full environment-driven configuration.
type Config struct {
	// Transport.
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Auth.
	TokenSecret    string `env:"TOKEN_SECRET"`
	TokenAlgorithm string `env:"TOKEN_ALGORITHM,default=HS256"`

	// Rate limiter.
	MaxConnectionsPerIP   int           `env:"WS_MAX_CONNECTIONS_PER_IP,default=2"`
	MaxConnectionsPerUser int           `env:"WS_MAX_CONNECTIONS_PER_USER,default=5"`
	MessagesPerSecond     int           `env:"WS_MESSAGES_PER_SECOND,default=5"`
	MessagesPerMinute     int           `env:"WS_MESSAGES_PER_MINUTE,default=60"`
	MessagesPerHour       int           `env:"WS_MESSAGES_PER_HOUR,default=1000"`
	MessagesPerDay        int           `env:"WS_MESSAGES_PER_DAY,default=10000"`
	ConnectTimeout        time.Duration `env:"WS_CONNECT_TIMEOUT,default=10s"`
	MessageTimeout        time.Duration `env:"WS_MESSAGE_TIMEOUT,default=30s"`
	OutgoingQueueSize     int           `env:"WS_OUTGOING_QUEUE_SIZE,default=64"`
	MaxMessageLength      int           `env:"WS_MAX_MESSAGE_LENGTH,default=4096"`

	// History.
	HistoryMaxLength int           `env:"HISTORY_MAX_LENGTH,default=100"`
	HistoryRetention time.Duration `env:"HISTORY_TTL,default=0"`

	// LLM provider.
	LLMEndpoint    string        `env:"LLM_ENDPOINT"`
	LLMAPIKey      string        `env:"LLM_API_KEY"`
	LLMModel       string        `env:"LLM_MODEL,default=claude-3-5-sonnet-latest"`
	LLMTemperature float64       `env:"LLM_TEMPERATURE,default=0"`
	LLMMaxTokens   int           `env:"LLM_MAX_TOKENS,default=4096"`
	LLMCacheTTL    time.Duration `env:"LLM_CACHE_TTL,default=24h"`
	LLMCacheOn     bool          `env:"LLM_CACHE_ENABLED,default=true"`

	// KV store.
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE,default=10"`

	// Telemetry and logging.
	MetricsEnabled bool   `env:"METRICS_ENABLED,default=true"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
}

// FromEnv decodes the configuration and validates required fields.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode environment: %w", err)
	}
	if cfg.TokenSecret == "" {
		return cfg, fmt.Errorf("config: TOKEN_SECRET is required")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return cfg, fmt.Errorf("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return cfg, nil
}

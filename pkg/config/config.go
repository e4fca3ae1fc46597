package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full client configuration for the session and realtime
// lifecycle manager.
type Config struct {
	// Auth gateway configuration
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`

	// Realtime channel configuration
	Realtime RealtimeConfig `yaml:"realtime" json:"realtime"`

	// Token storage configuration
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// GatewayConfig holds the auth gateway client configuration.
type GatewayConfig struct {
	// Base URL of the auth gateway, e.g. https://api.example.com
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Timeout for individual gateway requests
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// TransportKind identifies a realtime transport implementation.
type TransportKind = string

const (
	// TransportWebSocket is the primary duplex transport.
	TransportWebSocket TransportKind = "websocket"

	// TransportSSE is the long-poll fallback transport (SSE downstream,
	// HTTP POST upstream).
	TransportSSE TransportKind = "sse"
)

// RealtimeConfig holds the realtime channel configuration.
type RealtimeConfig struct {
	// Base URL of the realtime endpoint, e.g. https://api.example.com/realtime
	URL string `yaml:"url" json:"url"`

	// Transports to try, in preference order
	Transports []TransportKind `yaml:"transports" json:"transports"`

	// Delay before each reconnection attempt
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// Maximum number of reconnection attempts before the channel is abandoned
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	// Interval between heartbeat pings while connected
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// Timeout for the transport handshake
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// StorageConfig holds the token persistence configuration.
type StorageConfig struct {
	// Key under which the session token is stored
	Key string `yaml:"key" json:"key"`

	// Directory for the file-backed store
	Dir string `yaml:"dir" json:"dir"`

	// Redis configuration for the redis-backed store (optional)
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	// Redis address, host:port
	Addr string `yaml:"addr" json:"addr"`

	// Redis password
	Password string `yaml:"password" json:"password"`

	// Redis database
	DB int `yaml:"db" json:"db"`

	// Key prefix for stored values
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// LoggingConfig holds the logging configuration.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "text"
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:                  "http://localhost:8080/realtime",
			Transports:           []TransportKind{TransportWebSocket, TransportSSE},
			ReconnectDelay:       1 * time.Second,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    25 * time.Second,
			HandshakeTimeout:     10 * time.Second,
		},
		Storage: StorageConfig{
			Key: "session_token",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads a YAML configuration file and merges it over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url must be set")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url must be set")
	}
	if len(c.Realtime.Transports) == 0 {
		return fmt.Errorf("realtime.transports must list at least one transport")
	}
	for _, t := range c.Realtime.Transports {
		if t != TransportWebSocket && t != TransportSSE {
			return fmt.Errorf("unknown realtime transport %q", t)
		}
	}
	if c.Realtime.MaxReconnectAttempts < 1 {
		return fmt.Errorf("realtime.max_reconnect_attempts must be at least 1")
	}
	if c.Realtime.ReconnectDelay <= 0 {
		return fmt.Errorf("realtime.reconnect_delay must be positive")
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if c.Storage.Key == "" {
		return fmt.Errorf("storage.key must be set")
	}
	return nil
}

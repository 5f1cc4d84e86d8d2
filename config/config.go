// Package config loads and validates WalletVault service configuration.
// Values come from an optional JSON file, then environment variables, then
// built-in defaults, in that order of precedence (env wins).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the walletvault server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	NATS      NATSConfig      `json:"nats"`
	Auth      AuthConfig      `json:"auth"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Client    ClientConfig    `json:"client"`
	LogLevel  string          `json:"log_level"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr            string        `json:"addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// NATSConfig controls the JetStream KV ledger store. Leave URL empty to run
// with the in-memory store.
type NATSConfig struct {
	URL    string `json:"url"`
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// AuthConfig holds credentials for both admin and JWT authentication.
type AuthConfig struct {
	AdminToken string        `json:"admin_token"`
	JWTSecret  string        `json:"jwt_secret"`
	JWTExpiry  time.Duration `json:"jwt_expiry"`
}

// HeartbeatConfig controls server-side connection liveness probing.
type HeartbeatConfig struct {
	Interval    time.Duration `json:"interval"`
	PongTimeout time.Duration `json:"pong_timeout"`
}

// ClientConfig holds defaults for the reconnecting client agent.
type ClientConfig struct {
	ReconnectInterval    time.Duration `json:"reconnect_interval"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			URL:    "",
			Bucket: "wallet-ledger",
			Name:   "walletvault",
		},
		Auth: AuthConfig{
			AdminToken: "",
			JWTSecret:  "",
			JWTExpiry:  24 * time.Hour,
		},
		Heartbeat: HeartbeatConfig{
			Interval:    30 * time.Second,
			PongTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 5,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from an optional JSON file at path (empty
// path skips the file), applies environment overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config.Load: reading %s failed: %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config.Load: parsing %s failed: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "WALLETVAULT_ADDR")
	setString(&cfg.NATS.URL, "WALLETVAULT_NATS_URL")
	setString(&cfg.NATS.Bucket, "WALLETVAULT_NATS_BUCKET")
	setString(&cfg.Auth.AdminToken, "WALLETVAULT_ADMIN_TOKEN")
	setString(&cfg.Auth.JWTSecret, "WALLETVAULT_JWT_SECRET")
	setString(&cfg.LogLevel, "WALLETVAULT_LOG_LEVEL")
	setDuration(&cfg.Auth.JWTExpiry, "WALLETVAULT_JWT_EXPIRY")
	setDuration(&cfg.Heartbeat.Interval, "WALLETVAULT_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Heartbeat.PongTimeout, "WALLETVAULT_PONG_TIMEOUT")
	setDuration(&cfg.Client.ReconnectInterval, "WALLETVAULT_RECONNECT_INTERVAL")
	setInt(&cfg.Client.MaxReconnectAttempts, "WALLETVAULT_MAX_RECONNECT_ATTEMPTS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks invariants the rest of the system relies on.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.Validate: server.addr is required")
	}
	if c.Auth.AdminToken == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.Validate: at least one of auth.admin_token or auth.jwt_secret is required")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("config.Validate: heartbeat.interval must be positive")
	}
	if c.Heartbeat.PongTimeout <= 0 {
		return fmt.Errorf("config.Validate: heartbeat.pong_timeout must be positive")
	}
	if c.Heartbeat.PongTimeout >= c.Heartbeat.Interval {
		return fmt.Errorf("config.Validate: heartbeat.pong_timeout must be shorter than heartbeat.interval")
	}
	if c.Client.ReconnectInterval <= 0 {
		return fmt.Errorf("config.Validate: client.reconnect_interval must be positive")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config.Validate: client.max_reconnect_attempts must not be negative")
	}
	if c.NATS.URL != "" && c.NATS.Bucket == "" {
		return fmt.Errorf("config.Validate: nats.bucket is required when nats.url is set")
	}
	return nil
}

// Safe returns a copy with secrets masked for logging.
func (c Config) Safe() Config {
	masked := c
	if masked.Auth.AdminToken != "" {
		masked.Auth.AdminToken = "***"
	}
	if masked.Auth.JWTSecret != "" {
		masked.Auth.JWTSecret = "***"
	}
	return masked
}

// UnmarshalJSON accepts durations as Go duration strings ("30s") or
// integer milliseconds, matching the original deployment configs.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := struct {
		*alias
		Server struct {
			Addr            string   `json:"addr"`
			ShutdownTimeout flexible `json:"shutdown_timeout"`
		} `json:"server"`
		Auth struct {
			AdminToken string   `json:"admin_token"`
			JWTSecret  string   `json:"jwt_secret"`
			JWTExpiry  flexible `json:"jwt_expiry"`
		} `json:"auth"`
		Heartbeat struct {
			Interval    flexible `json:"interval"`
			PongTimeout flexible `json:"pong_timeout"`
		} `json:"heartbeat"`
		Client struct {
			ReconnectInterval    flexible `json:"reconnect_interval"`
			MaxReconnectAttempts *int     `json:"max_reconnect_attempts"`
		} `json:"client"`
	}{alias: (*alias)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Server.Addr != "" {
		c.Server.Addr = aux.Server.Addr
	}
	if aux.Server.ShutdownTimeout.set {
		c.Server.ShutdownTimeout = aux.Server.ShutdownTimeout.d
	}
	if aux.Auth.AdminToken != "" {
		c.Auth.AdminToken = aux.Auth.AdminToken
	}
	if aux.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = aux.Auth.JWTSecret
	}
	if aux.Auth.JWTExpiry.set {
		c.Auth.JWTExpiry = aux.Auth.JWTExpiry.d
	}
	if aux.Heartbeat.Interval.set {
		c.Heartbeat.Interval = aux.Heartbeat.Interval.d
	}
	if aux.Heartbeat.PongTimeout.set {
		c.Heartbeat.PongTimeout = aux.Heartbeat.PongTimeout.d
	}
	if aux.Client.ReconnectInterval.set {
		c.Client.ReconnectInterval = aux.Client.ReconnectInterval.d
	}
	if aux.Client.MaxReconnectAttempts != nil {
		c.Client.MaxReconnectAttempts = *aux.Client.MaxReconnectAttempts
	}
	return nil
}

// flexible parses a JSON duration given either as a string ("5s") or a
// number of milliseconds.
type flexible struct {
	d   time.Duration
	set bool
}

func (f *flexible) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		f.d, f.set = d, true
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or millisecond count: %w", err)
	}
	f.d, f.set = time.Duration(ms)*time.Millisecond, true
	return nil
}

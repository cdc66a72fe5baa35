// Package config loads YAML configuration for the telemetry engine and
// the demo push server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the telemetry engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Cache    CacheConfig    `yaml:"cache"`
	Identity IdentityConfig `yaml:"identity"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains connection settings for the telemetry server.
type ServerConfig struct {
	URL                  string        `yaml:"url"`
	AuthToken            string        `yaml:"auth_token"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxConnectAttempts   int           `yaml:"max_connect_attempts"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	RequestInterval      time.Duration `yaml:"request_interval"`
	RequestBurst         int           `yaml:"request_burst"`
}

// EngineConfig contains supervision and ingest settings.
type EngineConfig struct {
	HealthInterval  time.Duration `yaml:"health_interval"`
	ErrorClearAfter time.Duration `yaml:"error_clear_after"`
	ReconnectGrace  time.Duration `yaml:"reconnect_grace"`
	SimulateNoise   bool          `yaml:"simulate_noise"`
}

// CacheConfig contains snapshot persistence settings.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// IdentityConfig seeds the session identity. Empty UserID starts the
// engine as a guest.
type IdentityConfig struct {
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
}

// HTTPConfig contains settings for the local status endpoint.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads engine configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.ConnectTimeout == 0 {
		c.Server.ConnectTimeout = 10 * time.Second
	}
	if c.Server.MaxConnectAttempts == 0 {
		c.Server.MaxConnectAttempts = 3
	}
	if c.Server.ReconnectInterval == 0 {
		c.Server.ReconnectInterval = 1 * time.Second
	}
	if c.Server.MaxReconnectInterval == 0 {
		c.Server.MaxReconnectInterval = 30 * time.Second
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 30 * time.Second
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = 90 * time.Second
	}
	if c.Server.RequestInterval == 0 {
		c.Server.RequestInterval = 10 * time.Second
	}
	if c.Server.RequestBurst == 0 {
		c.Server.RequestBurst = 2
	}
	if c.Engine.HealthInterval == 0 {
		c.Engine.HealthInterval = 5 * time.Second
	}
	if c.Engine.ErrorClearAfter == 0 {
		c.Engine.ErrorClearAfter = 30 * time.Second
	}
	if c.Engine.ReconnectGrace == 0 {
		c.Engine.ReconnectGrace = 1 * time.Second
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "./data/telemetry-cache.db"
	}
	if c.HTTP.Host == "" {
		c.HTTP.Host = "localhost"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config values from environment variables.
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("TELEMETRY_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("TELEMETRY_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("TELEMETRY_USER_ID"); v != "" {
		c.Identity.UserID = v
	}
	if v := os.Getenv("TELEMETRY_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server URL must start with ws:// or wss://")
	}
	if c.Server.AuthToken == "" {
		return fmt.Errorf("server auth token is required")
	}
	if c.Server.MaxConnectAttempts < 1 {
		return fmt.Errorf("max connect attempts must be at least 1")
	}
	if c.Engine.HealthInterval < time.Second {
		return fmt.Errorf("health interval must be at least 1 second")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	return nil
}

// String returns a safe string representation (hides auth token).
func (c *Config) String() string {
	return fmt.Sprintf("Config{Server: [URL=%s, Token=%s], Engine: %+v, Cache: %+v, Identity: %+v, HTTP: %+v, Logging: %+v}",
		c.Server.URL,
		maskToken(c.Server.AuthToken),
		c.Engine,
		c.Cache,
		c.Identity,
		c.HTTP,
		c.Logging,
	)
}

// maskToken masks all but the first 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

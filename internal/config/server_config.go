package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds configuration for the demo push server.
type AppConfig struct {
	Server  ServerSettings `yaml:"server"`
	Push    PushSettings   `yaml:"push"`
	Logging LoggingConfig  `yaml:"logging"`
}

// ServerSettings contains HTTP server configuration.
type ServerSettings struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// PushSettings shapes the simulated fleets and their push cadence.
type PushSettings struct {
	Interval       time.Duration `yaml:"interval"`
	SensorsPerType int           `yaml:"sensors_per_type"`
	MaxSensors     int           `yaml:"max_sensors"`
	Seed           int64         `yaml:"seed"`
}

// LoadAppConfig loads push server configuration from a YAML file.
func LoadAppConfig(path string) (*AppConfig, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config AppConfig
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

// ApplyDefaults sets default values for the push server config.
func (ac *AppConfig) ApplyDefaults() {
	if ac.Server.Port == 0 {
		ac.Server.Port = 8081
	}
	if ac.Server.Host == "" {
		ac.Server.Host = "localhost"
	}
	if ac.Server.ReadTimeout == 0 {
		ac.Server.ReadTimeout = 60 * time.Second
	}
	if ac.Server.WriteTimeout == 0 {
		ac.Server.WriteTimeout = 10 * time.Second
	}
	if ac.Push.Interval == 0 {
		ac.Push.Interval = 2 * time.Second
	}
	if ac.Push.SensorsPerType == 0 {
		ac.Push.SensorsPerType = 2
	}
	if ac.Push.MaxSensors == 0 {
		ac.Push.MaxSensors = 20
	}
	if ac.Logging.Level == "" {
		ac.Logging.Level = "info"
	}
	if ac.Logging.Format == "" {
		ac.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config from environment variables.
func (ac *AppConfig) OverrideFromEnv() {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err == nil {
			ac.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		ac.Server.Host = v
	}
	if v := os.Getenv("SERVER_AUTH_TOKEN"); v != "" {
		ac.Server.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		ac.Logging.Level = v
	}
}

// Validate checks if the push server configuration is valid.
func (ac *AppConfig) Validate() error {
	if ac.Server.Port < 1 || ac.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if ac.Server.AuthToken == "" {
		return fmt.Errorf("auth token is required")
	}
	if ac.Push.Interval < 100*time.Millisecond {
		return fmt.Errorf("push interval must be at least 100ms")
	}
	if ac.Push.SensorsPerType < 1 {
		return fmt.Errorf("sensors per type must be at least 1")
	}
	return nil
}

// String returns a safe string representation (hides auth token).
func (ac *AppConfig) String() string {
	masked := *ac
	masked.Server.AuthToken = maskToken(ac.Server.AuthToken)
	return fmt.Sprintf("AppConfig{Server: %+v, Push: %+v, Logging: %+v}",
		masked.Server,
		masked.Push,
		masked.Logging,
	)
}

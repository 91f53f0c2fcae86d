package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the hubd configuration. It is loaded from YAML with
// ${VAR} expansion, then environment overrides are applied.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Registry   RegistryConfig   `yaml:"registry" json:"registry"`
	MessageBus MessageBusConfig `yaml:"messagebus" json:"messagebus"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Dispatch   DispatchConfig   `yaml:"dispatch" json:"dispatch"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" json:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DatabaseConfig configures the plan, step and session store
type DatabaseConfig struct {
	Type string `yaml:"type" json:"type"` // "sqlite", "postgres"
	Path string `yaml:"path" json:"path"` // For SQLite
	DSN  string `yaml:"dsn" json:"-"`     // For Postgres; empty uses POSTGRES_* env
}

// Source returns the Postgres DSN or the SQLite path, depending on Type.
func (d DatabaseConfig) Source() string {
	if d.Type == "sqlite" {
		return d.Path
	}
	return d.DSN
}

// RegistryConfig selects the session registry backend
type RegistryConfig struct {
	Backend    string        `yaml:"backend" json:"backend"` // "sql" or "redis"
	RedisURL   string        `yaml:"redis_url" json:"redis_url,omitempty"`
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix,omitempty"`
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
}

// MessageBusConfig configures NATS event publishing
type MessageBusConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	URL        string        `yaml:"url" json:"url"`
	StreamName string        `yaml:"stream_name" json:"stream_name"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// DispatchConfig controls the dispatcher
type DispatchConfig struct {
	// Source is recorded on every published event.
	Source string `yaml:"source" json:"source"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "./hubcore.db",
		},
		Registry: RegistryConfig{
			Backend:    "sql",
			KeyPrefix:  "hubcore",
			SessionTTL: 24 * time.Hour,
		},
		MessageBus: MessageBusConfig{
			Enabled:    false,
			URL:        "nats://localhost:4222",
			StreamName: "HUBCORE",
			Timeout:    10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "hubd",
		},
		Dispatch: DispatchConfig{
			Source: "hubd",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file at the specified
// path. Fields missing from the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${HUBCORE_DB_PASSWORD}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path (or the defaults when path is empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides configuration from well-known environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HUBCORE_DATABASE_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := os.Getenv("HUBCORE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("HUBCORE_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Registry.RedisURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.MessageBus.URL = v
		c.MessageBus.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Validate rejects unknown backends and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		// An empty DSN falls back to the POSTGRES_* environment.
	default:
		return fmt.Errorf("unsupported database type: %q", c.Database.Type)
	}

	switch c.Registry.Backend {
	case "sql":
	case "redis":
		if c.Registry.RedisURL == "" {
			return fmt.Errorf("registry.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported registry backend: %q", c.Registry.Backend)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}
	if c.MessageBus.Enabled && c.MessageBus.URL == "" {
		return fmt.Errorf("messagebus.url is required when the message bus is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// Package config provides configuration management for Tracklet.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Tracklet.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Planning PlanningConfig `mapstructure:"planning"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the host/port/user fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, memory
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus with an in-process job runner.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LLMConfig holds language-model provider and cost-accounting configuration.
// An empty Endpoint disables the provider; planning actions that need the
// model then fail with an explicit error instead of hanging.
type LLMConfig struct {
	Endpoint             string  `mapstructure:"endpoint"` // OpenAI-compatible chat completions URL
	APIKey               string  `mapstructure:"apiKey"`
	Model                string  `mapstructure:"model"`
	InputCostPerMillion  float64 `mapstructure:"inputCostPerMillion"`  // USD per 1M input tokens
	OutputCostPerMillion float64 `mapstructure:"outputCostPerMillion"` // USD per 1M output tokens
	MaxToolIterations    int     `mapstructure:"maxToolIterations"`
	RequestTimeout       int     `mapstructure:"requestTimeout"` // in seconds
}

// PlanningConfig holds planning-thread behavior configuration.
type PlanningConfig struct {
	// StaleTimeout is how long an entity may sit in plan_status=generating
	// before a read resets it, in seconds.
	StaleTimeout int `mapstructure:"staleTimeout"`
	// DispatchAckTimeout is how long a dispatch waits for the runner's
	// receipt acknowledgment, in seconds.
	DispatchAckTimeout int `mapstructure:"dispatchAckTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StaleTimeoutDuration returns the stale-plan timeout as a time.Duration.
func (p *PlanningConfig) StaleTimeoutDuration() time.Duration {
	return time.Duration(p.StaleTimeout) * time.Second
}

// DispatchAckTimeoutDuration returns the dispatch ack timeout as a time.Duration.
func (p *PlanningConfig) DispatchAckTimeoutDuration() time.Duration {
	return time.Duration(p.DispatchAckTimeout) * time.Second
}

// RequestTimeoutDuration returns the LLM request timeout as a time.Duration.
func (l *LLMConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(l.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TRACKLET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "tracklet.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tracklet")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "tracklet")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tracklet-client")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM defaults
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "default")
	v.SetDefault("llm.inputCostPerMillion", 3.0)
	v.SetDefault("llm.outputCostPerMillion", 15.0)
	v.SetDefault("llm.maxToolIterations", 8)
	v.SetDefault("llm.requestTimeout", 300)

	// Planning defaults
	v.SetDefault("planning.staleTimeout", 120)
	v.SetDefault("planning.dispatchAckTimeout", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TRACKLET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/tracklet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TRACKLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.driver", "TRACKLET_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "TRACKLET_DATABASE_PATH")
	_ = v.BindEnv("nats.url", "TRACKLET_NATS_URL")
	_ = v.BindEnv("llm.endpoint", "TRACKLET_LLM_ENDPOINT")
	_ = v.BindEnv("llm.apiKey", "TRACKLET_LLM_API_KEY")
	_ = v.BindEnv("planning.staleTimeout", "TRACKLET_PLANNING_STALE_TIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tracklet/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	case "memory":
		// No validation needed - in-memory repository
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	if cfg.LLM.InputCostPerMillion < 0 || cfg.LLM.OutputCostPerMillion < 0 {
		errs = append(errs, "llm cost rates must be non-negative")
	}
	if cfg.LLM.MaxToolIterations <= 0 {
		errs = append(errs, "llm.maxToolIterations must be positive")
	}

	if cfg.Planning.StaleTimeout <= 0 {
		errs = append(errs, "planning.staleTimeout must be positive")
	}
	if cfg.Planning.DispatchAckTimeout <= 0 {
		errs = append(errs, "planning.dispatchAckTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all host configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Host      HostConfig      `yaml:"host"`
	Flow      FlowConfig      `yaml:"flow"`
	Binding   BindingConfig   `yaml:"binding"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
}

// HostConfig identifies the head unit and the API range it speaks.
type HostConfig struct {
	Name        string `envconfig:"HOST_NAME" default:"cartemplate-host" yaml:"name"`
	APILevel    int    `envconfig:"HOST_API_LEVEL" default:"7" yaml:"api_level"`
	MinAPILevel int    `envconfig:"HOST_MIN_API_LEVEL" default:"1" yaml:"min_api_level"`
}

// FlowConfig holds template flow policy.
type FlowConfig struct {
	StepLimit int `envconfig:"FLOW_STEP_LIMIT" default:"5" yaml:"step_limit"`
}

// BindingConfig holds per-app binding policy.
type BindingConfig struct {
	ANRTimeout      time.Duration `envconfig:"BIND_ANR_TIMEOUT" default:"5s" yaml:"anr_timeout"`
	IdleUnbindDelay time.Duration `envconfig:"BIND_IDLE_UNBIND_DELAY" default:"30s" yaml:"idle_unbind_delay"`
	MaxDeaths       uint32        `envconfig:"BIND_MAX_DEATHS" default:"3" yaml:"max_deaths"`
	DeathInterval   time.Duration `envconfig:"BIND_DEATH_INTERVAL" default:"60s" yaml:"death_interval"`
	RetryDelay      time.Duration `envconfig:"BIND_RETRY_DELAY" default:"500ms" yaml:"retry_delay"`
	MaxRetryDelay   time.Duration `envconfig:"BIND_MAX_RETRY_DELAY" default:"10s" yaml:"max_retry_delay"`
}

// CatalogConfig holds the approved-app directory source.
type CatalogConfig struct {
	URL             string        `envconfig:"CATALOG_URL" default:"" yaml:"url"`
	File            string        `envconfig:"CATALOG_FILE" default:"" yaml:"file"`
	RefreshInterval time.Duration `envconfig:"CATALOG_REFRESH" default:"15m" yaml:"refresh_interval"`
	// AllowUnlisted lets apps missing from the catalog bind anyway; meant
	// for development hosts.
	AllowUnlisted bool `envconfig:"CATALOG_ALLOW_UNLISTED" default:"true" yaml:"allow_unlisted"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile loads configuration from environment, then overlays the YAML
// policy file at path on top.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	if c.Host.APILevel < 1 {
		return fmt.Errorf("host api level %d must be at least 1", c.Host.APILevel)
	}
	if c.Host.MinAPILevel < 1 || c.Host.MinAPILevel > c.Host.APILevel {
		return fmt.Errorf("host min api level %d must be in 1..%d", c.Host.MinAPILevel, c.Host.APILevel)
	}
	if c.Flow.StepLimit < 1 {
		return fmt.Errorf("flow step limit %d must be at least 1", c.Flow.StepLimit)
	}
	if c.Binding.ANRTimeout <= 0 {
		return fmt.Errorf("anr timeout %s must be positive", c.Binding.ANRTimeout)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Host: HostConfig{
			Name:        "cartemplate-host",
			APILevel:    7,
			MinAPILevel: 1,
		},
		Flow: FlowConfig{
			StepLimit: 5,
		},
		Binding: BindingConfig{
			ANRTimeout:      5 * time.Second,
			IdleUnbindDelay: 30 * time.Second,
			MaxDeaths:       3,
			DeathInterval:   60 * time.Second,
			RetryDelay:      500 * time.Millisecond,
			MaxRetryDelay:   10 * time.Second,
		},
		Catalog: CatalogConfig{
			RefreshInterval: 15 * time.Minute,
			AllowUnlisted:   true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

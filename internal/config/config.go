package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the journey engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SES      SESConfig      `yaml:"ses"`
	Tracking TrackingConfig `yaml:"tracking"`
	Engine   EngineConfig   `yaml:"engine"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// ServerConfig holds the delivery-webhook HTTP listener configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection for send throttles and sweep locks.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SESConfig holds AWS SES transport configuration.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrackingConfig holds open/click/unsubscribe tracking settings.
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// EngineConfig holds worker pool and queue tuning.
type EngineConfig struct {
	Workers          int `yaml:"workers"`
	BatchSize        int `yaml:"batch_size"`
	PollIntervalMS   int `yaml:"poll_interval_ms"`
	LeaseSeconds     int `yaml:"lease_seconds"`
	StepTimeoutSecs  int `yaml:"step_timeout_seconds"`
	MaxAttempts      int `yaml:"max_attempts"`
	RecoverySeconds  int `yaml:"recovery_interval_seconds"`
	BackoffBaseSecs  int `yaml:"backoff_base_seconds"`
	BackoffCapSecs   int `yaml:"backoff_cap_seconds"`
	IdempotencyKeyID string `yaml:"idempotency_key_id"` // HMAC key for idempotency tokens
}

// PollInterval returns the queue poll interval as a duration.
func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LeaseDuration returns the queue lease duration.
func (c EngineConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// StepTimeout returns the per-step wall-clock timeout.
func (c EngineConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSecs) * time.Second
}

// SweeperConfig holds date-based / inactivity trigger sweep settings.
type SweeperConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

// Interval returns the sweep interval as a duration.
func (c SweeperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-west-2"
	}
	if c.SES.TimeoutSeconds == 0 {
		c.SES.TimeoutSeconds = 30
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 8
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 100
	}
	if c.Engine.PollIntervalMS == 0 {
		c.Engine.PollIntervalMS = 500
	}
	if c.Engine.StepTimeoutSecs == 0 {
		c.Engine.StepTimeoutSecs = 30
	}
	if c.Engine.LeaseSeconds == 0 {
		// Lease must exceed the step timeout with headroom so a lost
		// worker is reclaimed without racing a still-running one.
		c.Engine.LeaseSeconds = c.Engine.StepTimeoutSecs * 2
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 5
	}
	if c.Engine.RecoverySeconds == 0 {
		c.Engine.RecoverySeconds = 120
	}
	if c.Engine.BackoffBaseSecs == 0 {
		c.Engine.BackoffBaseSecs = 30
	}
	if c.Engine.BackoffCapSecs == 0 {
		c.Engine.BackoffCapSecs = 3600
	}
	if c.Sweeper.IntervalMinutes == 0 {
		c.Sweeper.IntervalMinutes = 15
	}
}

// Validate checks invariants that would otherwise surface as runtime bugs.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Engine.LeaseSeconds < c.Engine.StepTimeoutSecs {
		return fmt.Errorf("engine.lease_seconds (%d) must be >= engine.step_timeout_seconds (%d)",
			c.Engine.LeaseSeconds, c.Engine.StepTimeoutSecs)
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.Workers = n
		}
	}

	return cfg, nil
}

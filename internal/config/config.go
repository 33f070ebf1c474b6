package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Governor GovernorConfig `yaml:"governor"`
	Tracking TrackingConfig `yaml:"tracking"`
	SES      SESConfig      `yaml:"ses"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig holds job queue tuning
type QueueConfig struct {
	Workers                  int `yaml:"workers"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
	MaxAttempts              int `yaml:"max_attempts"`
	RetryBaseSeconds         int `yaml:"retry_base_seconds"`
	CleanMaxAgeHours         int `yaml:"clean_max_age_hours"`
}

// VisibilityTimeout returns the lease visibility timeout as a duration
func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// RetryBase returns the first retry delay as a duration
func (c QueueConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// GovernorConfig holds send throughput limits
type GovernorConfig struct {
	Concurrency         int `yaml:"concurrency"`
	RateLimitMax        int `yaml:"rate_limit_max"`
	RateLimitDurationMs int `yaml:"rate_limit_duration_ms"`
}

// RateLimitDuration returns the rate window length as a duration
func (c GovernorConfig) RateLimitDuration() time.Duration {
	return time.Duration(c.RateLimitDurationMs) * time.Millisecond
}

// TrackingConfig holds open/click tracking settings
type TrackingConfig struct {
	// BaseURL is the public origin tracking links point at, e.g.
	// "https://track.example.com". No trailing slash.
	BaseURL string `yaml:"base_url"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	FromAddress    string `yaml:"from_address"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 10
	}
	if cfg.Queue.VisibilityTimeoutSeconds == 0 {
		cfg.Queue.VisibilityTimeoutSeconds = 300
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.RetryBaseSeconds == 0 {
		cfg.Queue.RetryBaseSeconds = 30
	}
	if cfg.Queue.CleanMaxAgeHours == 0 {
		cfg.Queue.CleanMaxAgeHours = 72
	}
	if cfg.Governor.Concurrency == 0 {
		cfg.Governor.Concurrency = cfg.Queue.Workers
	}
	if cfg.Governor.RateLimitDurationMs == 0 {
		cfg.Governor.RateLimitDurationMs = 1000
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if from := os.Getenv("SES_FROM_ADDRESS"); from != "" {
		cfg.SES.FromAddress = from
	}
	if base := os.Getenv("TRACKING_BASE_URL"); base != "" {
		cfg.Tracking.BaseURL = base
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if workers := os.Getenv("QUEUE_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}

	return cfg, nil
}

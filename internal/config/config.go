// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the verification pipeline.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Bouncer   BouncerConfig   `yaml:"bouncer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Queues    QueuesConfig    `yaml:"queues"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Status    StatusConfig    `yaml:"status"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection for secondary rate caps and
// per-queue call ceilings.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// BouncerConfig holds verification provider API settings.
type BouncerConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryBaseDelayMS  int    `yaml:"retry_base_delay_ms"`
}

// Timeout returns the per-request HTTP timeout.
func (c BouncerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the client retry backoff base.
func (c BouncerConfig) RetryBaseDelay() time.Duration {
	if c.RetryBaseDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// RateLimitConfig holds the sliding-window limiter settings.
// The provider allows 200/min; we self-limit with a safety margin.
type RateLimitConfig struct {
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
	WindowSeconds        int `yaml:"window_seconds"`
}

// Window returns the sliding window size.
func (c RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

// RecoveryTimeout returns the open-state cooldown.
func (c BreakerConfig) RecoveryTimeout() time.Duration {
	if c.RecoveryTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// PipelineConfig holds batch orchestration settings.
type PipelineConfig struct {
	MaxConcurrentBatches int    `yaml:"max_concurrent_batches"`
	DefaultBatchSize     int    `yaml:"default_batch_size"`
	ComposerStrategy     string `yaml:"composer_strategy"`
	StatusCheckSeconds   int    `yaml:"status_check_seconds"`
	UnknownStatusSeconds int    `yaml:"unknown_status_seconds"`
	BatchTimeoutMinutes  int    `yaml:"batch_timeout_minutes"`
}

// StatusCheckDelay is the poll interval for in-flight batches.
func (c PipelineConfig) StatusCheckDelay() time.Duration {
	if c.StatusCheckSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.StatusCheckSeconds) * time.Second
}

// UnknownStatusDelay is the longer re-poll interval after an unknown status.
func (c PipelineConfig) UnknownStatusDelay() time.Duration {
	if c.UnknownStatusSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.UnknownStatusSeconds) * time.Second
}

// BatchTimeout bounds a batch's external lifecycle.
func (c PipelineConfig) BatchTimeout() time.Duration {
	if c.BatchTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.BatchTimeoutMinutes) * time.Minute
}

// QueueConfig holds one queue's worker concurrency and its external-call
// ceiling (0 = no ceiling).
type QueueConfig struct {
	Concurrency    int `yaml:"concurrency"`
	CallsPerMinute int `yaml:"calls_per_minute"`
}

// QueuesConfig holds per-queue settings.
type QueuesConfig struct {
	Verification QueueConfig `yaml:"email_verification"`
	StatusCheck  QueueConfig `yaml:"batch_status_check"`
	Download     QueueConfig `yaml:"batch_download"`
	Cleanup      QueueConfig `yaml:"cleanup_tasks"`
}

// ArchiveConfig holds S3 archival of raw provider result payloads.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	Profile   string `yaml:"aws_profile"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// StatusConfig holds the monitoring HTTP boundary settings.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
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
	if v := os.Getenv("BOUNCER_API_KEY"); v != "" {
		cfg.Bouncer.APIKey = v
	}
	if v := os.Getenv("BOUNCER_BASE_URL"); v != "" {
		cfg.Bouncer.BaseURL = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Archive.S3Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Bouncer.BaseURL == "" {
		cfg.Bouncer.BaseURL = "https://api.usebouncer.com/v1.1"
	}
	if cfg.Bouncer.MaxRetries == 0 {
		cfg.Bouncer.MaxRetries = 3
	}
	if cfg.RateLimit.MaxRequestsPerMinute == 0 {
		cfg.RateLimit.MaxRequestsPerMinute = 180
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Pipeline.MaxConcurrentBatches == 0 {
		cfg.Pipeline.MaxConcurrentBatches = 15
	}
	if cfg.Pipeline.DefaultBatchSize == 0 {
		cfg.Pipeline.DefaultBatchSize = 10000
	}
	if cfg.Pipeline.ComposerStrategy == "" {
		cfg.Pipeline.ComposerStrategy = "round_robin"
	}
	if cfg.Queues.Verification.Concurrency == 0 {
		cfg.Queues.Verification = QueueConfig{Concurrency: 5, CallsPerMinute: 10}
	}
	if cfg.Queues.StatusCheck.Concurrency == 0 {
		cfg.Queues.StatusCheck = QueueConfig{Concurrency: 10, CallsPerMinute: 50}
	}
	if cfg.Queues.Download.Concurrency == 0 {
		cfg.Queues.Download = QueueConfig{Concurrency: 3, CallsPerMinute: 20}
	}
	if cfg.Queues.Cleanup.Concurrency == 0 {
		cfg.Queues.Cleanup = QueueConfig{Concurrency: 1}
	}
	if cfg.Status.Addr == "" {
		cfg.Status.Addr = ":8090"
	}
}

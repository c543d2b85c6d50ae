/**
 * @description
 * Configuration for the jobs-service. Settings come from environment
 * variables with defaults for schedules, queue tuning and timeouts.
 */
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the jobs service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	AppEnv     string `mapstructure:"APP_ENV"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	CronSecret     string `mapstructure:"CRON_SECRET"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	BusinessTimezone    string `mapstructure:"BUSINESS_TIMEZONE"`
	InterestJobSchedule string `mapstructure:"INTEREST_JOB_SCHEDULE"`

	QueueConcurrency       int `mapstructure:"QUEUE_CONCURRENCY"`
	QueuePollIntervalMs    int `mapstructure:"QUEUE_POLL_INTERVAL_MS"`
	QueueStaleAfterSeconds int `mapstructure:"QUEUE_STALE_AFTER_SECONDS"`
	JobMaxAttempts         int `mapstructure:"JOB_MAX_ATTEMPTS"`
	JobBackoffMs           int `mapstructure:"JOB_BACKOFF_MS"`
	JobTimeoutSeconds      int `mapstructure:"JOB_TIMEOUT_SECONDS"`
	AccrualConcurrency     int `mapstructure:"ACCRUAL_CONCURRENCY"`

	RateProviderURL            string `mapstructure:"RATE_PROVIDER_URL"`
	RateProviderAPIKey         string `mapstructure:"RATE_PROVIDER_API_KEY"`
	RateProviderTimeoutSeconds int    `mapstructure:"RATE_PROVIDER_TIMEOUT_SECONDS"`
	RateCacheTTLSeconds        int    `mapstructure:"RATE_CACHE_TTL_SECONDS"`

	TriggerRateLimitPerMinute int `mapstructure:"TRIGGER_RATE_LIMIT_PER_MINUTE"`

	Location *time.Location `mapstructure:"-"`
}

var envKeys = []string{
	"SERVER_PORT", "APP_ENV", "LOG_LEVEL",
	"DATABASE_URL", "RABBITMQ_URL", "REDIS_URL", "REDIS_KEY_PREFIX",
	"CRON_SECRET", "ADMIN_JWT_SECRET", "INTERNAL_API_KEY",
	"BUSINESS_TIMEZONE", "INTEREST_JOB_SCHEDULE",
	"QUEUE_CONCURRENCY", "QUEUE_POLL_INTERVAL_MS", "QUEUE_STALE_AFTER_SECONDS",
	"JOB_MAX_ATTEMPTS", "JOB_BACKOFF_MS", "JOB_TIMEOUT_SECONDS", "ACCRUAL_CONCURRENCY",
	"RATE_PROVIDER_URL", "RATE_PROVIDER_API_KEY", "RATE_PROVIDER_TIMEOUT_SECONDS", "RATE_CACHE_TTL_SECONDS",
	"TRIGGER_RATE_LIMIT_PER_MINUTE",
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_KEY_PREFIX", "growthpact")
	viper.SetDefault("BUSINESS_TIMEZONE", "Asia/Kolkata")
	viper.SetDefault("INTEREST_JOB_SCHEDULE", "5 0 * * *") // 00:05 every day, business time.
	viper.SetDefault("QUEUE_CONCURRENCY", 4)
	viper.SetDefault("QUEUE_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("QUEUE_STALE_AFTER_SECONDS", 900)
	viper.SetDefault("JOB_MAX_ATTEMPTS", 3)
	viper.SetDefault("JOB_BACKOFF_MS", 1000)
	viper.SetDefault("JOB_TIMEOUT_SECONDS", 600)
	viper.SetDefault("ACCRUAL_CONCURRENCY", 8)
	viper.SetDefault("RATE_PROVIDER_URL", "https://api.coingecko.com/api/v3")
	viper.SetDefault("RATE_PROVIDER_TIMEOUT_SECONDS", 10)
	viper.SetDefault("RATE_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("TRIGGER_RATE_LIMIT_PER_MINUTE", 10)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.CronSecret = strings.TrimSpace(config.CronSecret)
	config.AdminJWTSecret = strings.TrimSpace(config.AdminJWTSecret)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.AppEnv = strings.ToLower(strings.TrimSpace(config.AppEnv))

	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if config.CronSecret == "" && config.AdminJWTSecret == "" {
		return nil, fmt.Errorf("at least one of CRON_SECRET or ADMIN_JWT_SECRET must be set")
	}
	if config.JobMaxAttempts < 1 {
		return nil, fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", config.JobMaxAttempts)
	}
	if config.QueueStaleAfterSeconds <= config.JobTimeoutSeconds {
		return nil, fmt.Errorf("QUEUE_STALE_AFTER_SECONDS (%d) must exceed JOB_TIMEOUT_SECONDS (%d)",
			config.QueueStaleAfterSeconds, config.JobTimeoutSeconds)
	}

	loc, err := time.LoadLocation(strings.TrimSpace(config.BusinessTimezone))
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", config.BusinessTimezone, err)
	}
	config.Location = loc

	return &config, nil
}

func (c Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalMs) * time.Millisecond
}

func (c Config) QueueStaleAfter() time.Duration {
	return time.Duration(c.QueueStaleAfterSeconds) * time.Second
}

func (c Config) JobBackoff() time.Duration {
	return time.Duration(c.JobBackoffMs) * time.Millisecond
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c Config) RateProviderTimeout() time.Duration {
	return time.Duration(c.RateProviderTimeoutSeconds) * time.Second
}

func (c Config) RateCacheTTL() time.Duration {
	return time.Duration(c.RateCacheTTLSeconds) * time.Second
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Env      string `mapstructure:"env"`

	// Storage
	StoreDriver string `mapstructure:"store_driver"` // postgres | memory
	DatabaseURL string `mapstructure:"database_url"` // wins over DB_* when set
	DBHost      string `mapstructure:"db_host"`
	DBPort      int    `mapstructure:"db_port"`
	DBUser      string `mapstructure:"db_user"`
	DBPassword  string `mapstructure:"db_password"`
	DBName      string `mapstructure:"db_name"`
	DBSSLMode   string `mapstructure:"db_sslmode"`
	DBMaxConns  int    `mapstructure:"db_max_conns"`

	// Redis config; empty host disables Redis
	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// AWS Services
	Providers      string `mapstructure:"providers"` // aws | mock
	AWSRegion      string `mapstructure:"aws_region"`
	AWSEndpoint    string `mapstructure:"aws_endpoint"` // LocalStack
	SESFromEmail   string `mapstructure:"ses_from_email"`
	SNSRegion      string `mapstructure:"sns_region"` // AWS region for SNS (SMS)
	SQSDLQURL      string `mapstructure:"sqs_dlq_url"`
	DLQSNSTopicARN string `mapstructure:"dlq_sns_topic_arn"`

	// Worker
	WorkerPollInterval time.Duration `mapstructure:"worker_poll_interval"`
	WorkerBatchSize    int           `mapstructure:"worker_batch_size"`
	WorkerMaxAttempts  int           `mapstructure:"worker_max_attempts"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	WorkerRecoverAfter time.Duration `mapstructure:"worker_recover_after"`

	// Notifications
	NotifyRateLimitPerMinute int           `mapstructure:"notify_rate_limit_per_minute"`
	NotifyRateLimitBackend   string        `mapstructure:"notify_rate_limit_backend"` // memory | redis
	ProviderTimeout          time.Duration `mapstructure:"provider_timeout"`

	// Webhooks
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	SecretsKey     string        `mapstructure:"secrets_key"`

	// API
	APIRateLimitPerMinute int `mapstructure:"api_rate_limit_per_minute"`
	// BootstrapCompanyID issues an admin token for this company at startup; 0 disables
	BootstrapCompanyID int64 `mapstructure:"bootstrap_company_id"`

	// Observability
	SentryDSN    string `mapstructure:"sentry_dsn"`
	OTLPEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`
}

var defaults = map[string]any{
	"port":      8080,
	"log_level": "info",
	"env":       "development",

	"store_driver": "postgres",
	"database_url": "",
	"db_host":      "localhost",
	"db_port":      5432,
	"db_user":      "outpost",
	"db_password":  "",
	"db_name":      "outpost",
	"db_sslmode":   "disable",
	"db_max_conns": 10,

	"redis_host":     "",
	"redis_port":     6379,
	"redis_password": "",
	"redis_db":       0,

	"providers":         "mock",
	"aws_region":        "us-east-1",
	"aws_endpoint":      "",
	"ses_from_email":    "noreply@outpost.local",
	"sns_region":        "",
	"sqs_dlq_url":       "",
	"dlq_sns_topic_arn": "",

	"worker_poll_interval": 2 * time.Second,
	"worker_batch_size":    10,
	"worker_max_attempts":  3,
	"outbox_batch_size":    50,
	"worker_recover_after": time.Duration(0),

	"notify_rate_limit_per_minute": 30,
	"notify_rate_limit_backend":    "memory",
	"provider_timeout":             10 * time.Second,

	"webhook_timeout": 10 * time.Second,
	"secrets_key":     "",

	"api_rate_limit_per_minute": 100,
	"bootstrap_company_id":      0,

	"sentry_dsn":                  "",
	"otel_exporter_otlp_endpoint": "",
}

// Load reads configuration from the environment, after loading .env from the
// working directory if one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.Providers = strings.ToLower(cfg.Providers)
	cfg.NotifyRateLimitBackend = strings.ToLower(cfg.NotifyRateLimitBackend)
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	switch c.Providers {
	case "aws", "mock":
	default:
		errs = append(errs, fmt.Errorf("PROVIDERS must be aws or mock, got %q", c.Providers))
	}
	switch c.NotifyRateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisHost == "" {
			errs = append(errs, errors.New("NOTIFY_RATE_LIMIT_BACKEND=redis requires REDIS_HOST"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_RATE_LIMIT_BACKEND must be memory or redis, got %q", c.NotifyRateLimitBackend))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL must be positive"))
	}
	if c.WorkerBatchSize <= 0 || c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("WORKER_BATCH_SIZE and OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.WorkerMaxAttempts <= 0 {
		errs = append(errs, errors.New("WORKER_MAX_ATTEMPTS must be positive"))
	}
	if c.WorkerRecoverAfter < 0 {
		errs = append(errs, errors.New("WORKER_RECOVER_AFTER must not be negative"))
	}
	if c.NotifyRateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("NOTIFY_RATE_LIMIT_PER_MINUTE must be positive"))
	}
	if c.ProviderTimeout <= 0 || c.WebhookTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT and WEBHOOK_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

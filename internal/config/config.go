package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/macjediwizard/bridgesync/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	RateLimiting RateLimitConfig
	Queue        QueueConfig
	Sync         SyncConfig
	Jobs         JobConfig
	Outbound     OutboundConfig
	Alerts       AlertConfig
	Webhooks     WebhookConfig
	BridgesFile  string
	Bridges      []BridgeDefinition
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int
	BaseURL         string
	Environment     Environment
	AllowPrivateIPs bool
}

// DatabaseConfig holds database configuration. URLs starting with
// postgres:// select the postgres driver, anything else is a sqlite path.
type DatabaseConfig struct {
	URL string
}

// RateLimitConfig holds inbound rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// QueueConfig holds work queue configuration.
type QueueConfig struct {
	Workers     int
	MaxAttempts int
	BatchSize   int
	StaleGrace  time.Duration
}

// SyncConfig holds sync pass configuration.
type SyncConfig struct {
	MappingLease time.Duration
	PastDays     int
	FutureDays   int
	// MaxMappingErrors is the error count after which an errored mapping is
	// left for an operator instead of being retried.
	MaxMappingErrors int
}

// Window returns the sync date range around now.
func (s SyncConfig) Window(now time.Time) (time.Time, time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	return day.AddDate(0, 0, -s.PastDays), day.AddDate(0, 0, s.FutureDays+1)
}

// JobConfig holds the intervals of scheduled jobs.
type JobConfig struct {
	QueueDrain    time.Duration
	ResourceSync  time.Duration
	DeletionCheck time.Duration
	Delta         time.Duration
	Cancellation  time.Duration
	RetrySweep    time.Duration
}

// OutboundConfig holds settings for calls to bridges.
type OutboundConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// AlertConfig holds alert notification configuration.
type AlertConfig struct {
	WebhookURL   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool
	Cooldown     time.Duration
}

// WebhookConfig holds inbound webhook settings.
type WebhookConfig struct {
	GraphClientState string
}

// Load loads configuration from environment variables and the bridge
// definitions file. It attempts to load from .env file first, but continues
// if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	var err error

	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.BaseURL = strings.TrimSuffix(getEnvRequired("BASE_URL"), "/")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))
	if cfg.Server.AllowPrivateIPs, err = getEnvBool("ALLOW_PRIVATE_IPS", false); err != nil {
		return nil, fmt.Errorf("%w: ALLOW_PRIVATE_IPS: %w", ErrInvalidConfig, err)
	}

	cfg.Database.URL = getEnv("DATABASE_URL", "./data/bridgesync.db")
	cfg.BridgesFile = getEnv("BRIDGES_FILE", "./bridges.yaml")

	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"WORKER_COUNT", 4, &cfg.Queue.Workers},
		{"QUEUE_MAX_ATTEMPTS", 5, &cfg.Queue.MaxAttempts},
		{"QUEUE_BATCH_SIZE", 50, &cfg.Queue.BatchSize},
		{"SYNC_WINDOW_PAST_DAYS", 1, &cfg.Sync.PastDays},
		{"SYNC_WINDOW_FUTURE_DAYS", 30, &cfg.Sync.FutureDays},
		{"SYNC_MAX_MAPPING_ERRORS", 5, &cfg.Sync.MaxMappingErrors},
		{"OUTBOUND_MAX_RETRIES", 3, &cfg.Outbound.MaxRetries},
		{"SMTP_PORT", 587, &cfg.Alerts.SMTPPort},
	}
	for _, v := range ints {
		if *v.dest, err = getEnvInt(v.key, v.def); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, v.key, err)
		}
	}

	durations := []struct {
		key  string
		def  int
		unit time.Duration
		dest *time.Duration
	}{
		{"STALE_PROCESSING_GRACE", 600, time.Second, &cfg.Queue.StaleGrace},
		{"MAPPING_LEASE_SECONDS", 120, time.Second, &cfg.Sync.MappingLease},
		{"QUEUE_DRAIN_INTERVAL", 30, time.Second, &cfg.Jobs.QueueDrain},
		{"RESOURCE_SYNC_INTERVAL", 300, time.Second, &cfg.Jobs.ResourceSync},
		{"DELETION_CHECK_INTERVAL", 900, time.Second, &cfg.Jobs.DeletionCheck},
		{"DELTA_INTERVAL", 300, time.Second, &cfg.Jobs.Delta},
		{"CANCELLATION_INTERVAL", 300, time.Second, &cfg.Jobs.Cancellation},
		{"RETRY_SWEEP_INTERVAL", 60, time.Second, &cfg.Jobs.RetrySweep},
		{"OUTBOUND_TIMEOUT", 20, time.Second, &cfg.Outbound.Timeout},
		{"ALERT_COOLDOWN_MINUTES", 60, time.Minute, &cfg.Alerts.Cooldown},
	}
	for _, v := range durations {
		n, err := getEnvInt(v.key, v.def)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, v.key, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, v.key)
		}
		*v.dest = time.Duration(n) * v.unit
	}

	cfg.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")
	cfg.Alerts.SMTPHost = getEnv("SMTP_HOST", "")
	cfg.Alerts.SMTPUsername = getEnv("SMTP_USERNAME", "")
	cfg.Alerts.SMTPPassword = getEnv("SMTP_PASSWORD", "")
	cfg.Alerts.SMTPFrom = getEnv("SMTP_FROM", "")
	cfg.Alerts.SMTPTo = splitList(getEnv("SMTP_TO", ""))
	if cfg.Alerts.SMTPTLS, err = getEnvBool("SMTP_TLS", false); err != nil {
		return nil, fmt.Errorf("%w: SMTP_TLS: %w", ErrInvalidConfig, err)
	}

	cfg.Webhooks.GraphClientState = getEnv("GRAPH_CLIENT_STATE", "")

	if err := cfg.checkRanges(); err != nil {
		return nil, err
	}

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	bridges, err := LoadBridges(cfg.BridgesFile)
	if err != nil {
		return nil, err
	}
	cfg.Bridges = bridges

	return cfg, nil
}

func (c *Config) checkRanges() error {
	switch {
	case c.Queue.Workers < 1:
		return fmt.Errorf("%w: WORKER_COUNT must be at least 1", ErrInvalidConfig)
	case c.Queue.MaxAttempts < 1:
		return fmt.Errorf("%w: QUEUE_MAX_ATTEMPTS must be at least 1", ErrInvalidConfig)
	case c.Queue.BatchSize < 1:
		return fmt.Errorf("%w: QUEUE_BATCH_SIZE must be at least 1", ErrInvalidConfig)
	case c.Sync.PastDays < 0 || c.Sync.FutureDays < 0:
		return fmt.Errorf("%w: sync window days must not be negative", ErrInvalidConfig)
	case c.Sync.MaxMappingErrors < 1:
		return fmt.Errorf("%w: SYNC_MAX_MAPPING_ERRORS must be at least 1", ErrInvalidConfig)
	case c.Outbound.MaxRetries < 0:
		return fmt.Errorf("%w: OUTBOUND_MAX_RETRIES must not be negative", ErrInvalidConfig)
	}
	return nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.Alerts.SMTPHost != "" && c.Alerts.SMTPFrom == "" {
		missing = append(missing, "SMTP_FROM")
	}

	return missing
}

// Validate validates URL formats of the server, alert webhook and bridges.
func (c *Config) Validate(ctx context.Context) error {
	v := c.Validator()

	if err := v.ValidateWebhookURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}
	if c.Alerts.WebhookURL != "" {
		if err := v.ValidateBridgeURL(c.Alerts.WebhookURL, true); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}
	for _, def := range c.Bridges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.ValidateBridgeURL(def.BaseURL(), c.IsProduction()); err != nil {
			return fmt.Errorf("%w: bridge %q: %w", ErrValidationFailed, def.Name, err)
		}
	}

	return nil
}

// CheckEndpoints contacts every bridge endpoint and returns the failures by
// bridge name. CalDAV endpoints must also advertise DAV support.
func (c *Config) CheckEndpoints(ctx context.Context) map[string]error {
	v := c.Validator()
	failures := make(map[string]error)
	for _, def := range c.Bridges {
		var err error
		if def.CalDAV != nil {
			err = v.ValidateCalDAVEndpoint(ctx, def.BaseURL())
		} else {
			err = v.TestConnection(ctx, def.BaseURL())
		}
		if err != nil {
			failures[def.Name] = err
		}
	}
	return failures
}

// Validator returns a URL validator honoring ALLOW_PRIVATE_IPS.
func (c *Config) Validator() *validator.Validator {
	if c.Server.AllowPrivateIPs {
		return validator.New(validator.WithAllowPrivateIPs())
	}
	return validator.New()
}

// WebhookURL returns the callback URL remote systems post changes for a
// bridge to.
func (c *Config) WebhookURL(bridgeName, bridgeType string) string {
	u := c.Server.BaseURL + "/webhooks/" + bridgeName
	if bridgeType == "outlook" {
		u += "/graph"
	}
	return u
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

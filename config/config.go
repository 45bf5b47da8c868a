package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// API Configuration
	APIPort        string
	APIHost        string
	APIEnvironment string

	// Database
	DatabaseDSN string

	// Redis
	RedisURL string

	// CORS
	CORSAllowedOrigins []string

	// Rate Limiting
	RateLimitRequestsPerMinute int
	RateLimitBurst             int
	WebhookRateLimitPerMinute  int
	WebhookRateLimitBurst      int

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string

	// Ledger & dedup
	// LedgerRetention must exceed the provider's maximum redelivery window
	// or pruning could re-admit an already-applied event as new.
	LedgerRetention          time.Duration
	ProviderRedeliveryWindow time.Duration

	// State machine
	GracePeriod time.Duration

	// Entitlement cache
	EntitlementTTL time.Duration

	// Retry & reconciliation
	RetryBackoffBase   time.Duration
	RetryBackoffFactor int
	RetryMaxAttempts   int
	RetryBatchSize     int
	SweepInterval      time.Duration
	SweepConcurrency   int

	// Cleanup
	PaymentRetention time.Duration

	// Notifications
	EmailFrom      string
	EmailFromName  string
	SendGridAPIKey string

	// Sentry
	SentryDSN         string
	SentryEnvironment string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is honored when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not load .env file: %v", err)
	}

	return &Config{
		// API
		APIPort:        getEnv("API_PORT", "8080"),
		APIHost:        getEnv("API_HOST", "0.0.0.0"),
		APIEnvironment: getEnv("API_ENVIRONMENT", "development"),

		// Database
		DatabaseDSN: getEnv("DATABASE_DSN", "plume:localdev@tcp(localhost:3306)/plume_billing?charset=utf8mb4&parseTime=True&loc=UTC"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		// CORS
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "https://plumeblog.io"}),

		// Rate Limiting
		RateLimitRequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60),
		RateLimitBurst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		WebhookRateLimitPerMinute:  getEnvAsInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120),
		WebhookRateLimitBurst:      getEnvAsInt("WEBHOOK_RATE_LIMIT_BURST", 20),

		// Stripe
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		// Ledger. Stripe redelivers failed webhooks for up to 3 days; 90
		// days of retention leaves ample margin.
		LedgerRetention:          getEnvAsDuration("LEDGER_RETENTION", 90*24*time.Hour),
		ProviderRedeliveryWindow: getEnvAsDuration("PROVIDER_REDELIVERY_WINDOW", 72*time.Hour),

		// Grace period after a failed charge before past_due expires.
		GracePeriod: getEnvAsDuration("GRACE_PERIOD", 72*time.Hour),

		// Entitlement cache
		EntitlementTTL: getEnvAsDuration("ENTITLEMENT_TTL", 30*time.Second),

		// Retry & reconciliation
		RetryBackoffBase:   getEnvAsDuration("RETRY_BACKOFF_BASE", 30*time.Second),
		RetryBackoffFactor: getEnvAsInt("RETRY_BACKOFF_FACTOR", 2),
		RetryMaxAttempts:   getEnvAsInt("RETRY_MAX_ATTEMPTS", 6),
		RetryBatchSize:     getEnvAsInt("RETRY_BATCH_SIZE", 50),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", time.Hour),
		SweepConcurrency:   getEnvAsInt("SWEEP_CONCURRENCY", 4),

		// Cleanup
		PaymentRetention: getEnvAsDuration("PAYMENT_RETENTION", 90*24*time.Hour),

		// Notifications
		EmailFrom:      getEnv("EMAIL_FROM", "billing@plumeblog.io"),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "Plume Billing"),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),

		// Sentry
		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", getEnv("API_ENVIRONMENT", "development")),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate rejects configurations that would violate core invariants.
func (c *Config) Validate() error {
	if c.LedgerRetention <= c.ProviderRedeliveryWindow {
		return fmt.Errorf("ledger retention (%s) must exceed the provider redelivery window (%s)",
			c.LedgerRetention, c.ProviderRedeliveryWindow)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBackoffFactor < 2 {
		return fmt.Errorf("retry backoff factor must be at least 2, got %d", c.RetryBackoffFactor)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

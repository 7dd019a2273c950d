// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/digivault/escrowd/internal/fees"
	"github.com/digivault/escrowd/internal/gateway"
	"github.com/digivault/escrowd/internal/settings"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Backing services. Each is optional outside production: no database
	// means the in-memory store, no redis means unlocked runs, no nsqd
	// means notifications go to the log.
	DatabaseURL  string
	RedisURL     string
	NSQDAddress  string
	NotifyTopic  string
	OTLPEndpoint string

	// Security
	CronSecret         string // Bearer secret the scheduler presents
	JWTSecret          string
	JWTTTL             time.Duration
	CORSAllowedOrigins []string
	RateLimitPerMinute int

	// Payment gateway
	PaymentGatewayEnabled bool
	StripeSecretKey       string
	StripeWebhookSecret   string
	PaymentCurrency       string
	PaymentSuccessURL     string
	PaymentFailureURL     string

	// Platform defaults, overridable at runtime via platform_settings
	FeePercentage           string
	PaymentTimeoutHours     int
	VerificationPeriodHours int

	// Settlement tuning
	SettlementReleaseBatch int
	SettlementRefundBatch  int
	SettlementStaleHours   int
}

const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultNotifyTopic             = "escrow.notifications"
	DefaultJWTTTL                  = 24 * time.Hour
	DefaultCurrency                = "idr"
	DefaultFeePercentage           = "0.05"
	DefaultPaymentTimeoutHours     = 24
	DefaultVerificationPeriodHours = 72
	DefaultReleaseBatch            = 100
	DefaultRefundBatch             = 50
	DefaultStaleHours              = 48
	DefaultRateLimit               = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		NSQDAddress:             os.Getenv("NSQD_ADDRESS"),
		NotifyTopic:             getEnv("NOTIFY_TOPIC", DefaultNotifyTopic),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CronSecret:              os.Getenv("CRON_SECRET"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		JWTTTL:                  getEnvDuration("JWT_TTL", DefaultJWTTTL),
		CORSAllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:      getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimit),
		PaymentGatewayEnabled:   getEnvBool("PAYMENT_GATEWAY_ENABLED", false),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentCurrency:         strings.ToLower(getEnv("PAYMENT_CURRENCY", DefaultCurrency)),
		PaymentSuccessURL:       os.Getenv("PAYMENT_SUCCESS_URL"),
		PaymentFailureURL:       os.Getenv("PAYMENT_FAILURE_URL"),
		FeePercentage:           getEnv("FEE_PERCENTAGE", DefaultFeePercentage),
		PaymentTimeoutHours:     getEnvInt("PAYMENT_TIMEOUT_HOURS", DefaultPaymentTimeoutHours),
		VerificationPeriodHours: getEnvInt("VERIFICATION_PERIOD_HOURS", DefaultVerificationPeriodHours),
		SettlementReleaseBatch:  getEnvInt("SETTLEMENT_RELEASE_BATCH", DefaultReleaseBatch),
		SettlementRefundBatch:   getEnvInt("SETTLEMENT_REFUND_BATCH", DefaultRefundBatch),
		SettlementStaleHours:    getEnvInt("SETTLEMENT_STALE_HOURS", DefaultStaleHours),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if _, err := c.DefaultSettings(); err != nil {
		return fmt.Errorf("invalid platform defaults: %w", err)
	}
	if c.SettlementReleaseBatch <= 0 || c.SettlementRefundBatch <= 0 || c.SettlementStaleHours <= 0 {
		return fmt.Errorf("settlement batch sizes and SETTLEMENT_STALE_HOURS must be positive")
	}
	if c.PaymentGatewayEnabled && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_GATEWAY_ENABLED is set")
	}

	if !c.IsProduction() {
		return nil
	}
	if c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required in production")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if !c.PaymentGatewayEnabled {
		return fmt.Errorf("PAYMENT_GATEWAY_ENABLED must be true in production")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	return nil
}

// DefaultSettings returns the env-configured platform settings that
// platform_settings rows override.
func (c *Config) DefaultSettings() (settings.Settings, error) {
	p, err := fees.ParsePercentage(c.FeePercentage)
	if err != nil {
		return settings.Settings{}, err
	}
	s := settings.Settings{
		FeePercentage:           p,
		PaymentTimeoutHours:     c.PaymentTimeoutHours,
		VerificationPeriodHours: c.VerificationPeriodHours,
	}
	return s, s.Validate()
}

// Gateway returns the payment gateway configuration.
func (c *Config) Gateway() gateway.Config {
	return gateway.Config{
		Enabled:       c.PaymentGatewayEnabled,
		Production:    c.IsProduction(),
		SecretKey:     c.StripeSecretKey,
		WebhookSecret: c.StripeWebhookSecret,
		Currency:      c.PaymentCurrency,
	}
}

// StaleAfter is how long a PAID transaction may sit untransferred.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.SettlementStaleHours) * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

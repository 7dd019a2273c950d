package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "REDIS_URL",
	"NSQD_ADDRESS", "NOTIFY_TOPIC", "CRON_SECRET", "JWT_SECRET", "JWT_TTL",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "PAYMENT_GATEWAY_ENABLED", "STRIPE_SECRET_KEY",
	"STRIPE_WEBHOOK_SECRET", "PAYMENT_CURRENCY", "PAYMENT_SUCCESS_URL",
	"PAYMENT_FAILURE_URL", "FEE_PERCENTAGE", "PAYMENT_TIMEOUT_HOURS",
	"VERIFICATION_PERIOD_HOURS", "SETTLEMENT_RELEASE_BATCH",
	"SETTLEMENT_REFUND_BATCH", "SETTLEMENT_STALE_HOURS",
	"CORS_ALLOWED_ORIGINS", "RATE_LIMIT_PER_MINUTE",
}

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func setProduction(t *testing.T) {
	t.Helper()
	t.Setenv("ENV", "production")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("JWT_SECRET", strings.Repeat("k", 32))
	t.Setenv("DATABASE_URL", "postgres://localhost/escrowd")
	t.Setenv("PAYMENT_GATEWAY_ENABLED", "true")
	t.Setenv("STRIPE_SECRET_KEY", "sk_live_x")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_x")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, DefaultNotifyTopic, cfg.NotifyTopic)
	assert.Equal(t, DefaultJWTTTL, cfg.JWTTTL)
	assert.Equal(t, DefaultReleaseBatch, cfg.SettlementReleaseBatch)
	assert.Equal(t, DefaultRefundBatch, cfg.SettlementRefundBatch)
	assert.Equal(t, 48*time.Hour, cfg.StaleAfter())

	s, err := cfg.DefaultSettings()
	require.NoError(t, err)
	assert.True(t, s.FeePercentage.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 24, s.PaymentTimeoutHours)
	assert.Equal(t, 72, s.VerificationPeriodHours)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("PAYMENT_CURRENCY", "USD")
	t.Setenv("FEE_PERCENTAGE", "0.1")
	t.Setenv("SETTLEMENT_STALE_HOURS", "12")
	t.Setenv("JWT_TTL", "30m")
	t.Setenv("VERIFICATION_PERIOD_HOURS", "not-a-number")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://shop.example, https://admin.example,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "usd", cfg.PaymentCurrency)
	assert.Equal(t, 12*time.Hour, cfg.StaleAfter())
	assert.Equal(t, 30*time.Minute, cfg.JWTTTL)
	assert.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.CORSAllowedOrigins)
	// Unparseable ints fall back to the default.
	assert.Equal(t, DefaultVerificationPeriodHours, cfg.VerificationPeriodHours)
}

func TestLoad_InvalidFeePercentage(t *testing.T) {
	for _, v := range []string{"1.5", "-0.01", "five percent"} {
		t.Run(v, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("FEE_PERCENTAGE", v)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "feePercentage")
		})
	}
}

func TestLoad_GatewayEnabledNeedsKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYMENT_GATEWAY_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func TestLoad_Production(t *testing.T) {
	clearEnv(t)
	setProduction(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())

	gw := cfg.Gateway()
	assert.True(t, gw.Enabled)
	assert.True(t, gw.Production)
	assert.Equal(t, "sk_live_x", gw.SecretKey)
	assert.Equal(t, "whsec_x", gw.WebhookSecret)
}

func TestLoad_ProductionRequirements(t *testing.T) {
	tests := []struct {
		unset string
		value string
		want  string
	}{
		{"CRON_SECRET", "", "CRON_SECRET"},
		{"JWT_SECRET", "", "JWT_SECRET"},
		{"JWT_SECRET", "short", "at least 32"},
		{"DATABASE_URL", "", "DATABASE_URL"},
		{"PAYMENT_GATEWAY_ENABLED", "false", "PAYMENT_GATEWAY_ENABLED"},
		{"STRIPE_WEBHOOK_SECRET", "", "STRIPE_WEBHOOK_SECRET"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			clearEnv(t)
			setProduction(t)
			t.Setenv(tc.unset, tc.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_NonPositiveBatch(t *testing.T) {
	clearEnv(t)
	t.Setenv("SETTLEMENT_RELEASE_BATCH", "0")

	_, err := Load()
	assert.Error(t, err)
}

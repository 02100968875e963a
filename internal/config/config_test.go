package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                  "development",
		Currency:             "PEN",
		PlatformFeeRate:      decimal.RequireFromString("0.10"),
		DebtLimit:            decimal.RequireFromString("-50"),
		ClientPenaltyRate:    decimal.RequireFromString("0.10"),
		WorkerPenaltyRate:    decimal.RequireFromString("0.05"),
		Gateway:              "sandbox",
		OfferTimeout:         DefaultOfferTimeout,
		MaxAttempts:          DefaultMaxAttempts,
		AutoReleaseAfter:     DefaultAutoReleaseAfter,
		SearchRadiusKm:       DefaultSearchRadiusKm,
		TimeoutSweepInterval: DefaultTimeoutSweepInterval,
		PayoutSweepInterval:  DefaultPayoutSweepInterval,
		OutboxInterval:       DefaultOutboxInterval,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PAYMENT_GATEWAY", "")
	setEnv(t, "ENV", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, cfg.DebtLimit.Equal(decimal.RequireFromString("-50")))
	assert.Equal(t, "sandbox", cfg.Gateway)
	assert.Equal(t, 10*time.Minute, cfg.OfferTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.PayoutSweepInterval)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_RATE", "0.15")
	setEnv(t, "OFFER_TIMEOUT", "90s")
	setEnv(t, "SEARCH_RADIUS_KM", "7.5")
	setEnv(t, "CORS_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.15")))
	assert.Equal(t, 90*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 7.5, cfg.SearchRadiusKm)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
}

func TestLoad_ParseErrorsAreNotDefaulted(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_RATE", "ten percent")
	setEnv(t, "PAYOUT_SWEEP_INTERVAL", "hourly")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_FEE_RATE")
	assert.Contains(t, err.Error(), "PAYOUT_SWEEP_INTERVAL")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"fee rate of one", func(c *Config) { c.PlatformFeeRate = decimal.NewFromInt(1) }, "PLATFORM_FEE_RATE"},
		{"negative tax", func(c *Config) { c.TaxRate = decimal.RequireFromString("-0.1") }, "TAX_RATE"},
		{"positive debt limit", func(c *Config) { c.DebtLimit = decimal.NewFromInt(10) }, "DEBT_LIMIT"},
		{"bad currency", func(c *Config) { c.Currency = "SOLES" }, "CURRENCY"},
		{"unknown gateway", func(c *Config) { c.Gateway = "paypal" }, "PAYMENT_GATEWAY"},
		{"stripe without key", func(c *Config) { c.Gateway = "stripe" }, "STRIPE_SECRET_KEY"},
		{"sandbox in production", func(c *Config) {
			c.Env = "production"
			c.AdminToken = "t"
		}, "not allowed in production"},
		{"production without admin token", func(c *Config) {
			c.Env = "production"
			c.Gateway = "stripe"
			c.StripeSecretKey = "sk_live_x"
		}, "ADMIN_TOKEN"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "MAX_ASSIGNMENT_ATTEMPTS"},
		{"zero sweep interval", func(c *Config) { c.PayoutSweepInterval = 0 }, "PAYOUT_SWEEP_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

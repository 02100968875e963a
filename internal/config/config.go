// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Money
	Currency        string
	PlatformFeeRate decimal.Decimal
	GatewayFeeRate  decimal.Decimal
	TaxRate         decimal.Decimal
	RatesTTL        time.Duration // how long commission rates loaded from Postgres are cached
	DebtLimit       decimal.Decimal

	// Payment gateway
	Gateway             string // "sandbox" or "stripe"
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	SandboxBaseURL      string
	GatewayTimeout      time.Duration

	// Job lifecycle
	OfferTimeout      time.Duration
	MaxAttempts       int
	AutoReleaseAfter  time.Duration
	PayoutRetryAfter  time.Duration // wait before retrying a payout blocked on an unpaid payment
	SearchRadiusKm    float64
	ClientPenaltyRate decimal.Decimal
	WorkerPenaltyRate decimal.Decimal

	// Scheduler
	TimeoutSweepInterval time.Duration
	PayoutSweepInterval  time.Duration
	LeaseTTL             time.Duration
	RedisURL             string // enables the Redis sweep lease
	InstanceID           string

	// Event delivery
	OutboxInterval      time.Duration
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	AMQPURL             string
	AMQPExchange        string

	// Security
	AdminToken  string
	CORSOrigins []string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultCurrency             = "PEN"
	DefaultPlatformFeeRate      = "0.10"
	DefaultDebtLimit            = "-50"
	DefaultGateway              = "sandbox"
	DefaultOfferTimeout         = 10 * time.Minute
	DefaultMaxAttempts          = 3
	DefaultAutoReleaseAfter     = 48 * time.Hour
	DefaultPayoutRetryAfter     = time.Hour
	DefaultSearchRadiusKm       = 15.0
	DefaultClientPenaltyRate    = "0.10"
	DefaultWorkerPenaltyRate    = "0.05"
	DefaultTimeoutSweepInterval = time.Minute
	DefaultPayoutSweepInterval  = time.Hour
	DefaultOutboxInterval       = 2 * time.Second
	DefaultAMQPExchange         = "homeserv.events"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	p := &parser{}
	hostname, _ := os.Hostname()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		Currency:        getEnv("CURRENCY", DefaultCurrency),
		PlatformFeeRate: p.decimal("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		GatewayFeeRate:  p.decimal("GATEWAY_FEE_RATE", "0"),
		TaxRate:         p.decimal("TAX_RATE", "0"),
		RatesTTL:        p.duration("COMMISSION_RATES_TTL", time.Minute),
		DebtLimit:       p.decimal("DEBT_LIMIT", DefaultDebtLimit),

		Gateway:             getEnv("PAYMENT_GATEWAY", DefaultGateway),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:8080/checkout/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:8080/checkout/cancel"),
		SandboxBaseURL:      getEnv("SANDBOX_BASE_URL", "http://localhost:8080/sandbox"),
		GatewayTimeout:      p.duration("GATEWAY_TIMEOUT", 10*time.Second),

		OfferTimeout:      p.duration("OFFER_TIMEOUT", DefaultOfferTimeout),
		MaxAttempts:       int(getEnvInt64("MAX_ASSIGNMENT_ATTEMPTS", DefaultMaxAttempts)),
		AutoReleaseAfter:  p.duration("AUTO_RELEASE_AFTER", DefaultAutoReleaseAfter),
		PayoutRetryAfter:  p.duration("PAYOUT_RETRY_AFTER", DefaultPayoutRetryAfter),
		SearchRadiusKm:    p.float("SEARCH_RADIUS_KM", DefaultSearchRadiusKm),
		ClientPenaltyRate: p.decimal("CLIENT_PENALTY_RATE", DefaultClientPenaltyRate),
		WorkerPenaltyRate: p.decimal("WORKER_PENALTY_RATE", DefaultWorkerPenaltyRate),

		TimeoutSweepInterval: p.duration("TIMEOUT_SWEEP_INTERVAL", DefaultTimeoutSweepInterval),
		PayoutSweepInterval:  p.duration("PAYOUT_SWEEP_INTERVAL", DefaultPayoutSweepInterval),
		LeaseTTL:             p.duration("SWEEP_LEASE_TTL", 5*time.Minute),
		RedisURL:             os.Getenv("REDIS_URL"),
		InstanceID:           getEnv("INSTANCE_ID", hostname),

		OutboxInterval:      p.duration("OUTBOX_INTERVAL", DefaultOutboxInterval),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),

		AdminToken:  os.Getenv("ADMIN_TOKEN"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	rate := func(name string, v decimal.Decimal) {
		if v.IsNegative() || v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1)", name))
		}
	}
	rate("PLATFORM_FEE_RATE", c.PlatformFeeRate)
	rate("GATEWAY_FEE_RATE", c.GatewayFeeRate)
	rate("TAX_RATE", c.TaxRate)
	rate("CLIENT_PENALTY_RATE", c.ClientPenaltyRate)
	rate("WORKER_PENALTY_RATE", c.WorkerPenaltyRate)

	if c.DebtLimit.IsPositive() {
		errs = append(errs, fmt.Errorf("DEBT_LIMIT must be zero or negative"))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("CURRENCY must be a 3-letter code"))
	}

	switch c.Gateway {
	case "sandbox":
		if c.IsProduction() {
			errs = append(errs, fmt.Errorf("PAYMENT_GATEWAY=sandbox is not allowed in production"))
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			errs = append(errs, fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_GATEWAY=stripe"))
		}
	default:
		errs = append(errs, fmt.Errorf("PAYMENT_GATEWAY must be sandbox or stripe, got %q", c.Gateway))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ASSIGNMENT_ATTEMPTS must be at least 1"))
	}
	if c.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"OFFER_TIMEOUT":          c.OfferTimeout,
		"AUTO_RELEASE_AFTER":     c.AutoReleaseAfter,
		"TIMEOUT_SWEEP_INTERVAL": c.TimeoutSweepInterval,
		"PAYOUT_SWEEP_INTERVAL":  c.PayoutSweepInterval,
		"OUTBOX_INTERVAL":        c.OutboxInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.IsProduction() && c.AdminToken == "" {
		errs = append(errs, fmt.Errorf("ADMIN_TOKEN is required in production"))
	}

	return errors.Join(errs...)
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
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

// parser reads typed values and collects parse errors instead of falling
// back to defaults.
type parser struct {
	errs []error
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	raw := getEnv(key, def)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid decimal %q", key, raw))
		return decimal.Zero
	}
	return d
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return d
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, raw))
		return def
	}
	return f
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Timezone  string // IANA zone used to interpret ride dates

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL (optional, uses in-process cache and locks if not set)

	// Locking
	LockBackend string        // "local" or "redis"
	LockTimeout time.Duration // bounded wait for ride/wallet locks
	LockTTL     time.Duration // lease for redis locks

	// Security
	JWTSecret            string
	AdminSecret          string
	PaymentSigningSecret string // HMAC secret for orderId|paymentId signatures
	GatewayWebhookSecret string // HMAC secret for gateway callback bodies (required outside development)
	ReceiptSecret        string // HMAC secret for receipt signatures (defaults to PaymentSigningSecret)
	RateLimitRPS         int
	CORSOrigins          []string

	// Payments
	PaymentProvider   string // "SIM" or "STRIPE"
	StripeSecretKey   string
	StripeWebhookKey  string
	CommissionPercent string // decimal percent, e.g. "10"
	MinPayoutPaise    int64

	// Background work
	OTPTTL            time.Duration
	OutboxInterval    time.Duration
	ReconcileInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultTimezone          = "Asia/Kolkata"
	DefaultLockBackend       = "local"
	DefaultLockTimeout       = 5 * time.Second
	DefaultLockTTL           = 30 * time.Second
	DefaultRateLimit         = 100
	DefaultPaymentProvider   = "SIM"
	DefaultCommissionPercent = "10"
	DefaultMinPayoutPaise    = 10000 // ₹100
	DefaultOTPTTL            = 5 * time.Minute
	DefaultOutboxInterval    = 2 * time.Second
	DefaultReconcileInterval = 10 * time.Minute

	devSecret = "dev-secret-change-me"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		Timezone:             getEnv("TIMEZONE", DefaultTimezone),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		LockBackend:          strings.ToLower(getEnv("LOCK_BACKEND", DefaultLockBackend)),
		LockTimeout:          getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		LockTTL:              getEnvDuration("LOCK_TTL", DefaultLockTTL),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		PaymentSigningSecret: os.Getenv("PAYMENT_SIGNING_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		ReceiptSecret:        os.Getenv("RECEIPT_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:          getEnvList("CORS_ORIGINS", []string{"*"}),
		PaymentProvider:      strings.ToUpper(getEnv("PAYMENT_PROVIDER", DefaultPaymentProvider)),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookKey:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CommissionPercent:    getEnv("COMMISSION_PERCENT", DefaultCommissionPercent),
		MinPayoutPaise:       getEnvInt64("MIN_PAYOUT_PAISE", DefaultMinPayoutPaise),
		OTPTTL:               getEnvDuration("OTP_TTL", DefaultOTPTTL),
		OutboxInterval:       getEnvDuration("OUTBOX_INTERVAL", DefaultOutboxInterval),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// Development gets usable secrets so the server boots with zero setup.
	if cfg.IsDevelopment() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = devSecret
		}
		if cfg.PaymentSigningSecret == "" {
			cfg.PaymentSigningSecret = devSecret
		}
	}
	if cfg.ReceiptSecret == "" {
		cfg.ReceiptSecret = cfg.PaymentSigningSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.PaymentSigningSecret == "" {
		return fmt.Errorf("PAYMENT_SIGNING_SECRET is required")
	}
	if c.IsProduction() && (c.JWTSecret == devSecret || c.PaymentSigningSecret == devSecret) {
		return fmt.Errorf("development secrets must not be used in production")
	}
	if !c.IsDevelopment() && c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required outside development")
	}

	switch c.LockBackend {
	case "local":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be \"local\" or \"redis\", got %q", c.LockBackend)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}

	switch c.PaymentProvider {
	case "SIM":
	case "STRIPE":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("PAYMENT_PROVIDER=STRIPE requires STRIPE_SECRET_KEY")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be SIM or STRIPE, got %q", c.PaymentProvider)
	}

	if c.MinPayoutPaise < 0 {
		return fmt.Errorf("MIN_PAYOUT_PAISE must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

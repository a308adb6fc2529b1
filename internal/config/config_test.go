package config

import (
	"os"
	"testing"
	"time"

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

func TestLoad_DevelopmentDefaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "PAYMENT_SIGNING_SECRET", "")
	setEnv(t, "PORT", "9090")
	setEnv(t, "LOCK_BACKEND", "")
	setEnv(t, "PAYMENT_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultLockBackend, cfg.LockBackend)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	assert.Equal(t, DefaultPaymentProvider, cfg.PaymentProvider)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.NotEmpty(t, cfg.PaymentSigningSecret)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "PAYMENT_SIGNING_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_ParsesDurationsAndLists(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "LOCK_TIMEOUT", "750ms")
	setEnv(t, "CORS_ORIGINS", "https://a.example, https://b.example")
	setEnv(t, "MIN_PAYOUT_PAISE", "50000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, int64(50000), cfg.MinPayoutPaise)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                  "staging",
			JWTSecret:            "jwt",
			PaymentSigningSecret: "sig",
			GatewayWebhookSecret: "gw",
			LockBackend:          "local",
			LockTimeout:          time.Second,
			PaymentProvider:      "SIM",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing signing secret", func(c *Config) { c.PaymentSigningSecret = "" }, "PAYMENT_SIGNING_SECRET"},
		{"unsigned callbacks outside development", func(c *Config) { c.GatewayWebhookSecret = "" }, "GATEWAY_WEBHOOK_SECRET"},
		{"unsigned callbacks in development", func(c *Config) {
			c.Env = "development"
			c.GatewayWebhookSecret = ""
		}, ""},
		{"redis lock without url", func(c *Config) { c.LockBackend = "redis" }, "REDIS_URL"},
		{"unknown lock backend", func(c *Config) { c.LockBackend = "zookeeper" }, "LOCK_BACKEND"},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, "LOCK_TIMEOUT"},
		{"stripe without key", func(c *Config) { c.PaymentProvider = "STRIPE" }, "STRIPE_SECRET_KEY"},
		{"unknown provider", func(c *Config) { c.PaymentProvider = "PAYPAL" }, "PAYMENT_PROVIDER"},
		{"dev secret in production", func(c *Config) {
			c.Env = "production"
			c.JWTSecret = devSecret
		}, "development secrets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Location(t *testing.T) {
	c := &Config{Timezone: "Not/AZone"}
	assert.Equal(t, time.UTC, c.Location())

	c.Timezone = "Asia/Kolkata"
	assert.Equal(t, "Asia/Kolkata", c.Location().String())
}

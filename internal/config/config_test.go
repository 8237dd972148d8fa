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

const testSecret = "0123456789abcdef0123"

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "AUTH_JWT_SECRET", testSecret)
	setEnv(t, "PORT", "9090")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	setEnv(t, "ESCALATION_SWEEP_INTERVAL", "30s")
	setEnv(t, "BUSINESS_TIMEZONE", "")
	setEnv(t, "REFUND_WINDOW_DAYS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultBusinessTimezone, cfg.BusinessTimezone)
	assert.Equal(t, DefaultRefundWindowDays, cfg.RefundWindowDays)
	assert.Equal(t, DefaultSellerResponseHours, cfg.SellerResponseHours)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.EscalationSweepInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.RefundWindow())
}

func TestLoad_MissingSecret(t *testing.T) {
	setEnv(t, "AUTH_JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_JWT_SECRET is required")
}

func TestLoad_InvalidNumbersFallBackToDefaults(t *testing.T) {
	setEnv(t, "AUTH_JWT_SECRET", testSecret)
	setEnv(t, "RATE_LIMIT_RPM", "lots")
	setEnv(t, "ESCALATION_SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.Equal(t, DefaultEscalationSweepInterval, cfg.EscalationSweepInterval)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			JWTSecret:               testSecret,
			BusinessTimezone:        "America/Sao_Paulo",
			RefundWindowDays:        7,
			SellerResponseHours:     48,
			EscalationSweepInterval: time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "AUTH_JWT_SECRET is required"},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "at least 16"},
		{"bad timezone", func(c *Config) { c.BusinessTimezone = "Mars/Olympus" }, "BUSINESS_TIMEZONE"},
		{"zero window", func(c *Config) { c.RefundWindowDays = 0 }, "REFUND_WINDOW_DAYS"},
		{"zero response hours", func(c *Config) { c.SellerResponseHours = 0 }, "SELLER_RESPONSE_BUSINESS_HOURS"},
		{"zero sweep", func(c *Config) { c.EscalationSweepInterval = 0 }, "ESCALATION_SWEEP_INTERVAL"},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"} }, "KAFKA_TOPIC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
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

func TestConfig_EnvironmentChecks(t *testing.T) {
	dev := &Config{Env: "development"}
	assert.True(t, dev.IsDevelopment())
	assert.False(t, dev.IsProduction())

	prod := &Config{Env: "production"}
	assert.True(t, prod.IsProduction())
	assert.False(t, prod.IsDevelopment())
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // BUSINESS_TIMEZONE must resolve on minimal images

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional, in-process locks if not set
	DBMaxOpen   int
	DBMaxIdle   int

	// Notifications
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Security
	JWTSecret      string
	JWTIssuer      string
	RateLimitRPM   int
	AllowedOrigins []string

	// Refund rules
	BusinessTimezone        string
	BusinessHolidays        string // comma-separated YYYY-MM-DD
	RefundWindowDays        int
	SellerResponseHours     int
	EscalationSweepInterval time.Duration
}

// Defaults
const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "text"
	DefaultKafkaTopic              = "refund-events"
	DefaultBusinessTimezone        = "America/Sao_Paulo"
	DefaultRefundWindowDays        = 7
	DefaultSellerResponseHours     = 48
	DefaultEscalationSweepInterval = time.Minute
	DefaultRateLimit               = 120
	DefaultDBMaxOpen               = 25
	DefaultDBMaxIdle               = 5
	MinJWTSecretLength             = 16
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		DBMaxOpen:               int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpen)),
		DBMaxIdle:               int(getEnvInt64("DB_MAX_IDLE_CONNS", DefaultDBMaxIdle)),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		JWTSecret:               os.Getenv("AUTH_JWT_SECRET"), // Required, no default
		JWTIssuer:               os.Getenv("AUTH_JWT_ISSUER"),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins:          splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		BusinessTimezone:        getEnv("BUSINESS_TIMEZONE", DefaultBusinessTimezone),
		BusinessHolidays:        os.Getenv("BUSINESS_HOLIDAYS"),
		RefundWindowDays:        int(getEnvInt64("REFUND_WINDOW_DAYS", DefaultRefundWindowDays)),
		SellerResponseHours:     int(getEnvInt64("SELLER_RESPONSE_BUSINESS_HOURS", DefaultSellerResponseHours)),
		EscalationSweepInterval: getEnvDuration("ESCALATION_SWEEP_INTERVAL", DefaultEscalationSweepInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if len(c.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least %d characters", MinJWTSecretLength)
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	if c.RefundWindowDays <= 0 {
		return fmt.Errorf("REFUND_WINDOW_DAYS must be positive")
	}
	if c.SellerResponseHours <= 0 {
		return fmt.Errorf("SELLER_RESPONSE_BUSINESS_HOURS must be positive")
	}
	if c.EscalationSweepInterval <= 0 {
		return fmt.Errorf("ESCALATION_SWEEP_INTERVAL must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// RefundWindow returns the buyer's refund window as a duration.
func (c *Config) RefundWindow() time.Duration {
	return time.Duration(c.RefundWindowDays) * 24 * time.Hour
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

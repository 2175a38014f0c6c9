// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment processor
	StripeSecretKey     string // Required in production; mock gateway is used when empty
	StripeWebhookSecret string

	// Escrow policy
	FeeBps            int           // Platform fee in basis points (800 = 8%)
	MinAmountMinor    int64         // Minimum transaction amount in minor units
	HoldPeriod        time.Duration // How long funds stay held before automatic release
	GracePeriod       time.Duration // Hold extension when release conditions are unmet
	MaxHoldExtensions int           // Extensions before escalating to manual review

	// Notifications
	NotifyWebhookURL    string // Outbound notification endpoint (optional)
	NotifyWebhookSecret string // HMAC secret for signing outbound notifications
	SupportRecipient    string // Recipient ID for support/escalation notices

	// Security
	AdminSecret  string // Shared secret for admin-only operations
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultFeeBps         = 800
	DefaultMinAmountMinor = 10000 // $100.00
	DefaultRateLimit      = 120
)

var (
	// DefaultHoldPeriod is how long captured funds remain held before the
	// automatic-release sweep considers them.
	DefaultHoldPeriod = 30 * 24 * time.Hour

	// DefaultGracePeriod extends the hold when release conditions are unmet.
	DefaultGracePeriod = 72 * time.Hour
)

// DefaultMaxHoldExtensions bounds grace extensions before manual review.
const DefaultMaxHoldExtensions = 3

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		FeeBps:              int(getEnvInt64("FEE_BPS", DefaultFeeBps)),
		MinAmountMinor:      getEnvInt64("MIN_AMOUNT_MINOR", DefaultMinAmountMinor),
		HoldPeriod:          getEnvDuration("HOLD_PERIOD", DefaultHoldPeriod),
		GracePeriod:         getEnvDuration("GRACE_PERIOD", DefaultGracePeriod),
		MaxHoldExtensions:   int(getEnvInt64("MAX_HOLD_EXTENSIONS", DefaultMaxHoldExtensions)),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		SupportRecipient:    getEnv("SUPPORT_RECIPIENT", "support"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeBps < 0 || c.FeeBps >= 10000 {
		return fmt.Errorf("FEE_BPS must be in [0, 10000), got %d", c.FeeBps)
	}
	if c.MinAmountMinor <= 0 {
		return fmt.Errorf("MIN_AMOUNT_MINOR must be positive, got %d", c.MinAmountMinor)
	}
	if c.HoldPeriod <= 0 {
		return fmt.Errorf("HOLD_PERIOD must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be positive")
	}
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

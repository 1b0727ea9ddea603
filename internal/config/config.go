// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Auth
	JWTSecret string
	JWTIssuer string

	// Payment gateway
	StripeSecretKey     string
	StripeWebhookSecret string

	// Marketplace economics, in basis points
	FeeRateBPS      int64 // platform fee charged on escrow holds
	CashbackRateBPS int64 // client cashback granted on release
	Currency        string

	// Security
	RateLimitRPS   int
	AdminAPISecret string // enables the /v1/admin surface when set
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultJWTIssuer   = "taskup"
	DefaultFeeBPS      = 1500 // 15%
	DefaultCashbackBPS = 200  // 2%
	DefaultCurrency    = "nok"
	DefaultRateLimit   = 100
)

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
		JWTSecret:           os.Getenv("JWT_SECRET"),   // Required, no default
		JWTIssuer:           getEnv("JWT_ISSUER", DefaultJWTIssuer),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		FeeRateBPS:          getEnvInt64("FEE_RATE_BPS", DefaultFeeBPS),
		CashbackRateBPS:     getEnvInt64("CASHBACK_RATE_BPS", DefaultCashbackBPS),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminAPISecret:      os.Getenv("ADMIN_API_SECRET"), // Optional, admin routes disabled if not set
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
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if c.FeeRateBPS < 0 || c.FeeRateBPS > 10000 {
		return fmt.Errorf("FEE_RATE_BPS must be between 0 and 10000")
	}
	if c.CashbackRateBPS < 0 || c.CashbackRateBPS > 10000 {
		return fmt.Errorf("CASHBACK_RATE_BPS must be between 0 and 10000")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
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

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
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns  int
	MaxRequestBytes int64

	// Security
	JWTSecret   string   // HS256 secret shared with the identity service
	CORSOrigins []string // empty disables CORS

	// Marketplace
	Currency        string
	DepositGrace    time.Duration
	FirstRentGrace  time.Duration
	ExtensionGrace  time.Duration
	SweepSchedule   string
	SweepBatchSize  int
	ReconcileEvery  time.Duration // zero disables the background reconciliation timer
	OTLPEndpoint    string
	ShutdownTimeout time.Duration
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultCurrency        = "VND"
	DefaultDepositGrace    = 72 * time.Hour
	DefaultFirstRentGrace  = 168 * time.Hour
	DefaultExtensionGrace  = 72 * time.Hour
	DefaultSweepSchedule   = "@hourly"
	DefaultSweepBatchSize  = 100
	DefaultDBMaxOpenConns  = 25
	DefaultMaxRequestBytes = 1 << 20
	DefaultShutdownTimeout = 15 * time.Second

	minJWTSecretLen = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DBMaxOpenConns:  int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns)),
		MaxRequestBytes: getEnvInt64("MAX_REQUEST_BYTES", DefaultMaxRequestBytes),
		JWTSecret:       os.Getenv("JWT_SECRET"), // Required, no default
		CORSOrigins:     splitList(os.Getenv("CORS_ORIGINS")),
		Currency:        getEnv("CURRENCY", DefaultCurrency),
		DepositGrace:    getEnvDuration("DEPOSIT_GRACE", DefaultDepositGrace),
		FirstRentGrace:  getEnvDuration("FIRST_RENT_GRACE", DefaultFirstRentGrace),
		ExtensionGrace:  getEnvDuration("EXTENSION_GRACE", DefaultExtensionGrace),
		SweepSchedule:   getEnv("SWEEP_SCHEDULE", DefaultSweepSchedule),
		SweepBatchSize:  int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		ReconcileEvery:  getEnvDuration("RECONCILE_INTERVAL", 0),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
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
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLen)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter code, got %q", c.Currency)
	}
	if c.DepositGrace <= 0 || c.FirstRentGrace <= 0 || c.ExtensionGrace <= 0 {
		return fmt.Errorf("grace periods must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogJSON  bool

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Resilience settings
	GatewayFailureThreshold  int
	GatewayRecoveryTimeout   time.Duration
	GatewayCallTimeout       time.Duration
	ProviderFailureThreshold int
	ProviderRecoveryTimeout  time.Duration
	RetryMaxAttempts         int
	RetryBaseDelay           time.Duration

	// Workflow settings
	DeadlinePollInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultFailureThreshold     = 5
	DefaultRecoveryTimeout      = 30 * time.Second
	DefaultGatewayCallTimeout   = 10 * time.Second
	DefaultRetryMaxAttempts     = 3
	DefaultRetryBaseDelay       = 200 * time.Millisecond
	DefaultDeadlinePollInterval = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogJSON:                  getEnv("LOG_FORMAT", "text") == "json",
		DatabaseURL:              os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayFailureThreshold:  getEnvInt("GATEWAY_FAILURE_THRESHOLD", DefaultFailureThreshold),
		GatewayRecoveryTimeout:   getEnvDuration("GATEWAY_RECOVERY_TIMEOUT", DefaultRecoveryTimeout),
		GatewayCallTimeout:       getEnvDuration("GATEWAY_CALL_TIMEOUT", DefaultGatewayCallTimeout),
		ProviderFailureThreshold: getEnvInt("PROVIDER_FAILURE_THRESHOLD", DefaultFailureThreshold),
		ProviderRecoveryTimeout:  getEnvDuration("PROVIDER_RECOVERY_TIMEOUT", DefaultRecoveryTimeout),
		RetryMaxAttempts:         getEnvInt("RETRY_MAX_ATTEMPTS", DefaultRetryMaxAttempts),
		RetryBaseDelay:           getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		DeadlinePollInterval:     getEnvDuration("DEADLINE_POLL_INTERVAL", DefaultDeadlinePollInterval),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GatewayFailureThreshold <= 0 {
		return fmt.Errorf("GATEWAY_FAILURE_THRESHOLD must be positive, got %d", c.GatewayFailureThreshold)
	}
	if c.ProviderFailureThreshold <= 0 {
		return fmt.Errorf("PROVIDER_FAILURE_THRESHOLD must be positive, got %d", c.ProviderFailureThreshold)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.DeadlinePollInterval <= 0 {
		return fmt.Errorf("DEADLINE_POLL_INTERVAL must be positive, got %s", c.DeadlinePollInterval)
	}
	return nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Package config validates process environment configuration for the
// matchmaking and signaling service (§6 Configuration).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string
	StoreAddr string // Shared State Store (Redis) address

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	StorePassword  string
	AllowedOrigins string
	StunTurnURLs   string // passed through to clients verbatim, never used by the service

	// Rate limits (§4.F)
	RateLimitIssuancePerMinute int
	RateLimitReportsPerHour    int
	RateLimitSignalsPerSecond  int
	RateLimitDefaultPerSecond  int
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: JWT_SECRET (minimum 32 characters) — signs the short-lived
	// anonymous session tokens (§4.A).
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: STORE_ADDR (format: host:port) — Shared State Store (§4.G)
	cfg.StoreAddr = os.Getenv("STORE_ADDR")
	if cfg.StoreAddr == "" {
		errs = append(errs, "STORE_ADDR is required")
	} else if !isValidHostPort(cfg.StoreAddr) {
		errs = append(errs, fmt.Sprintf("STORE_ADDR must be in format 'host:port' (got '%s')", cfg.StoreAddr))
	}
	cfg.StorePassword = os.Getenv("STORE_PASSWORD")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.StunTurnURLs = os.Getenv("STUN_TURN_URLS")

	// Rate limits (§4.F defaults)
	cfg.RateLimitIssuancePerMinute = getEnvIntOrDefault("RATE_LIMIT_ISSUANCE_PER_MINUTE", 10)
	cfg.RateLimitReportsPerHour = getEnvIntOrDefault("RATE_LIMIT_REPORTS_PER_HOUR", 5)
	cfg.RateLimitSignalsPerSecond = getEnvIntOrDefault("RATE_LIMIT_SIGNALS_PER_SECOND", 30)
	cfg.RateLimitDefaultPerSecond = getEnvIntOrDefault("RATE_LIMIT_DEFAULT_PER_SECOND", 100)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"store_addr", cfg.StoreAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"rate_limit_issuance_per_minute", cfg.RateLimitIssuancePerMinute,
		"rate_limit_reports_per_hour", cfg.RateLimitReportsPerHour,
		"rate_limit_signals_per_second", cfg.RateLimitSignalsPerSecond,
		"rate_limit_default_per_second", cfg.RateLimitDefaultPerSecond,
	)
}

// getEnvIntOrDefault returns the integer value of the environment variable
// or a default value if not set or unparsable.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("invalid integer env var, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

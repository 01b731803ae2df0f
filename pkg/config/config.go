package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Host string
	Port string
	Env  string

	// Database configuration
	DatabaseURL        string
	DBMaxConns         int32
	StatementTimeoutMS int

	// Redis configuration (optional, treasury status cache)
	RedisURL      string
	RedisPassword string

	// JWT configuration
	JWTSecret            string
	JWTAlgorithm         string
	JWTExpirationMinutes int

	// CORS
	AllowOrigins []string

	// Logging
	LogLevel string
}

// weakSecrets lists signing secrets that must never reach production.
// Startup fails if JWT_SECRET matches one of these regardless of length.
var weakSecrets = map[string]bool{
	"development_secret_key_change_in_production": true,
	"change_me_please_change_me_please_change":    true,
	"secret":   true,
	"changeme": true,
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Host:                 getEnv("HOST", "0.0.0.0"),
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		DBMaxConns:           int32(getEnvAsInt("DB_MAX_CONNS", 20)),
		StatementTimeoutMS:   getEnvAsInt("STATEMENT_TIMEOUT_MS", 30000),
		RedisURL:             getEnv("REDIS_URL", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		JWTAlgorithm:         getEnv("JWT_ALGORITHM", "HS256"),
		JWTExpirationMinutes: getEnvAsInt("JWT_EXPIRATION_MINUTES", 60),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	if origins := getEnv("ALLOW_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes long")
	}

	if weakSecrets[c.JWTSecret] {
		return fmt.Errorf("JWT_SECRET is a well-known default and must be changed")
	}

	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported JWT_ALGORITHM %q, only HS256 is supported", c.JWTAlgorithm)
	}

	if c.JWTExpirationMinutes <= 0 {
		return fmt.Errorf("JWT_EXPIRATION_MINUTES must be positive")
	}

	return nil
}

// StatementTimeout returns the database statement timeout as a duration
func (c *Config) StatementTimeout() time.Duration {
	return time.Duration(c.StatementTimeoutMS) * time.Millisecond
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

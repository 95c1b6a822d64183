package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinSecretLength is the minimum accepted length of the JWT signing secret
const MinSecretLength = 32

var (
	ErrMissingSecret = errors.New("config: JWT_SECRET is required")
	ErrWeakSecret    = fmt.Errorf("config: JWT_SECRET must be at least %d bytes", MinSecretLength)
)

// AppConfig represents the application configuration
type AppConfig struct {
	Port             string
	Environment      string
	Version          string
	AppURL           string
	FrontendURL      string
	TrustProxy       bool
	AllowedOrigins   []string
	MetricsAllowlist []string
	RequestTimeout   time.Duration

	JWTSecret  string
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	StoreBackend  string
	StoreCapacity int
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DBDriver string
	DBDSN    string

	NATSURL string

	OpenSearchURL  string
	OpenSearchUser string
	OpenSearchPass string
	EnableLogging  bool
	LoggingLevel   string

	AdminEmail    string
	AdminPassword string
}

// Load reads the application configuration from the environment.
// It fails closed: a missing or weak JWT secret is an error, never a default.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Port:        GetEnv("APP_PORT", "9999"),
		Environment: GetEnv("ENVIRONMENT", "development"),
		Version:     GetEnv("APP_VERSION", "1.0.0"),
		AppURL:      GetEnv("APP_URL", "http://localhost:9999"),
		FrontendURL: GetEnv("FRONTEND_URL", "http://localhost:3000"),
		TrustProxy:  GetBoolEnv("TRUST_PROXY", false),

		AllowedOrigins:   GetListEnv("CORS_ALLOWED_ORIGINS"),
		MetricsAllowlist: GetListEnv("METRICS_ALLOWLIST"),
		RequestTimeout:   GetDurationEnv("REQUEST_TIMEOUT", 30*time.Second),

		JWTSecret:  os.Getenv("JWT_SECRET"),
		JWTIssuer:  GetEnv("JWT_ISSUER", "pawguard"),
		AccessTTL:  GetDurationEnv("JWT_ACCESS_TTL", 15*time.Minute),
		RefreshTTL: GetDurationEnv("JWT_REFRESH_TTL", 7*24*time.Hour),

		StoreBackend:  GetEnv("STORE_BACKEND", "memory"),
		StoreCapacity: GetIntEnv("STORE_CAPACITY", 100000),
		RedisAddr:     GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       GetIntEnv("REDIS_DB", 0),

		DBDriver: GetEnv("DB_DRIVER", "sqlite3"),
		DBDSN:    GetEnv("DB_DSN", "file:pawguard.db?_foreign_keys=on"),

		NATSURL: GetEnv("NATS_URL", ""),

		OpenSearchURL:  GetEnv("OPENSEARCH_URL", "http://localhost:9200"),
		OpenSearchUser: GetEnv("OPENSEARCH_USER", ""),
		OpenSearchPass: GetEnv("OPENSEARCH_PASSWORD", ""),
		EnableLogging:  GetBoolEnv("ENABLE_OPENSEARCH_LOGGING", false),
		LoggingLevel:   GetEnv("LOGGING_LEVEL", "info"),

		AdminEmail:    GetEnv("ADMIN_EMAIL", ""),
		AdminPassword: GetEnv("ADMIN_PASSWORD", ""),
	}

	if err := ValidateSecret(cfg.JWTSecret); err != nil {
		return nil, err
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{cfg.FrontendURL}
	}
	if cfg.StoreBackend != "memory" && cfg.StoreBackend != "redis" {
		return nil, fmt.Errorf("config: unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.DBDriver != "sqlite3" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("config: unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode
func (c *AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ValidateSecret rejects empty or short signing secrets
func ValidateSecret(secret string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrMissingSecret
	}
	if len(secret) < MinSecretLength {
		return ErrWeakSecret
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetDurationEnv parses values like "15m" or "24h"
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// GetListEnv splits a comma separated variable, dropping empty items
func GetListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// RandomString returns a hex string built from length random bytes
func RandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

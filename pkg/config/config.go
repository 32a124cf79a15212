// Package config loads engine configuration from ACCESSD_* environment
// variables with sane defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/propwise/accessd/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Sweeper       SweeperConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Header the trusted edge proxy puts the authenticated principal in
	PrincipalHeader string
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	URL            string
	ReplicaURLs    string
	MaxConns       int
	MinConns       int
	ConnectTimeout time.Duration
}

// CacheConfig holds resolution cache configuration
type CacheConfig struct {
	Enabled   bool
	LocalSize int
	TTL       time.Duration

	// Redis is optional; empty URL keeps the cache in-process only
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// SweeperConfig holds background job scheduling
type SweeperConfig struct {
	// cron spec for the invitation expiry sweep
	ExpireSchedule string
	// cron spec for the legacy-owner reconciliation pass
	ReconcileSchedule string
}

// ObservabilityConfig holds logging, metrics and tracing settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("ACCESSD_HOST", "0.0.0.0"),
			Port:            getEnv("ACCESSD_PORT", "8080"),
			ReadTimeout:     getEnvDuration("ACCESSD_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("ACCESSD_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("ACCESSD_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("ACCESSD_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("ACCESSD_HEALTH_PORT", "9090"),
			PrincipalHeader: getEnv("ACCESSD_PRINCIPAL_HEADER", "X-Principal-Id"),
		},
		Database: DatabaseConfig{
			URL:            getEnv("ACCESSD_POSTGRES_URL", ""),
			ReplicaURLs:    getEnv("ACCESSD_POSTGRES_REPLICA_URLS", ""),
			MaxConns:       getEnvInt("ACCESSD_POSTGRES_MAX_CONNS", 25),
			MinConns:       getEnvInt("ACCESSD_POSTGRES_MIN_CONNS", 5),
			ConnectTimeout: getEnvDuration("ACCESSD_POSTGRES_TIMEOUT", 10*time.Second),
		},
		Cache: CacheConfig{
			Enabled:       getEnvBool("ACCESSD_CACHE_ENABLED", true),
			LocalSize:     getEnvInt("ACCESSD_CACHE_LOCAL_SIZE", 4096),
			TTL:           getEnvDuration("ACCESSD_CACHE_TTL", 5*time.Minute),
			RedisURL:      getEnv("ACCESSD_REDIS_URL", ""),
			RedisPassword: getEnv("ACCESSD_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("ACCESSD_REDIS_DB", 0),
			RedisPoolSize: getEnvInt("ACCESSD_REDIS_POOL_SIZE", 10),
		},
		Sweeper: SweeperConfig{
			ExpireSchedule:    getEnv("ACCESSD_EXPIRE_SCHEDULE", "*/10 * * * *"),
			ReconcileSchedule: getEnv("ACCESSD_RECONCILE_SCHEDULE", "30 3 * * *"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(strings.ToLower(getEnv("ACCESSD_LOG_LEVEL", "info"))),
			MetricsEnabled: getEnvBool("ACCESSD_METRICS_ENABLED", true),

			OTelEnabled:        getEnvBool("ACCESSD_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("ACCESSD_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("ACCESSD_OTEL_SERVICE_NAME", "accessd"),
			OTelServiceVersion: getEnv("ACCESSD_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("ACCESSD_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Cache.Enabled && c.Cache.LocalSize <= 0 {
		return fmt.Errorf("cache local size must be positive when the cache is enabled")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

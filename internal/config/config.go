// Package config provides application configuration management,
// loading settings from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Service configuration
	ServiceName string
	Environment string
	GRPCPort    string
	HTTPPort    string

	// Database configuration
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	// Routing and geocoding (Google Maps web services)
	RoutingAPIKey     string
	RoutingBaseURL    string
	GeocodingBaseURL  string
	GeocodingRegion   string
	RoutingTimeout    time.Duration
	RoutingBatchSize  int
	RoutingBatchDelay time.Duration

	// Sessions
	SessionIdleTimeout time.Duration

	// Job queue
	Workers int

	// CSV output path
	CSVOutputPath string

	// OpenTelemetry configuration
	OTELEnabled     bool
	OTELEndpoint    string
	OTELSampleRatio float64

	// Error reporting
	SentryDSN string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "school-distance"),
		Environment: getEnv("ENVIRONMENT", "development"),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "schools"),
		PostgresUser:     getEnv("POSTGRES_USER", "development"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "development"),

		RoutingAPIKey:    os.Getenv("ROUTING_API_KEY"),
		RoutingBaseURL:   getEnv("ROUTING_BASE_URL", "https://maps.googleapis.com/maps/api"),
		GeocodingBaseURL: getEnv("GEOCODING_BASE_URL", "https://maps.googleapis.com/maps/api"),
		GeocodingRegion:  getEnv("GEOCODING_REGION", "br"),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "/data/csv"),
		OTELEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	var err error
	cfg.RoutingTimeout, err = parseDuration("ROUTING_TIMEOUT", "10s")
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTING_TIMEOUT: %w", err)
	}

	cfg.RoutingBatchSize, err = parseInt("ROUTING_BATCH_SIZE", "25")
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTING_BATCH_SIZE: %w", err)
	}
	if cfg.RoutingBatchSize < 1 || cfg.RoutingBatchSize > 25 {
		return nil, fmt.Errorf("invalid ROUTING_BATCH_SIZE: %d is outside 1..25", cfg.RoutingBatchSize)
	}

	cfg.RoutingBatchDelay, err = parseDuration("ROUTING_BATCH_DELAY", "100ms")
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTING_BATCH_DELAY: %w", err)
	}

	cfg.SessionIdleTimeout, err = parseDuration("SESSION_IDLE_TIMEOUT", "30m")
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_IDLE_TIMEOUT: %w", err)
	}

	cfg.Workers, err = parseInt("WORKERS", "5")
	if err != nil {
		return nil, fmt.Errorf("invalid WORKERS: %w", err)
	}

	cfg.OTELEnabled, err = strconv.ParseBool(getEnv("OTEL_ENABLED", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
	}

	cfg.OTELSampleRatio, err = strconv.ParseFloat(getEnv("OTEL_SAMPLE_RATIO", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_SAMPLE_RATIO: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresUser,
		c.PostgresPassword,
	)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt parses an int from an environment variable or default value
func parseInt(key, defaultValue string) (int, error) {
	return strconv.Atoi(getEnv(key, defaultValue))
}

// parseDuration parses a time.Duration such as "100ms" from an environment
// variable or default value
func parseDuration(key, defaultValue string) (time.Duration, error) {
	return time.ParseDuration(getEnv(key, defaultValue))
}

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
	DatabaseURL string // PostgreSQL connection string (optional, uses the file log if not set)

	// Rolling window tuning
	WindowDuration   time.Duration // how far back the rolling window reaches
	MaxWindowSize    int           // hard cap on retained events per entity
	VolatilityCap    float64       // normalization cap for volatility inputs
	DriftCap         float64       // normalization cap for directional bias
	VarianceShiftCap float64       // normalization cap for variance shift
	AnomalyWeight    float64       // weight multiplier for anomaly contributions

	// Rollup settings
	RollupInterval time.Duration // how often the hourly batch flushes
	RollupLogPath  string        // file path for the durable rollup log
	RollupRetain   int           // batches kept in the durable log

	// Aggregate read bridge
	AggregateMinInterval time.Duration // minimum spacing between aggregate responses

	// Security
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing off if not set)
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultRateLimit            = 100
	DefaultRollupLogPath        = "data/rollup.json"
	DefaultRollupRetain         = 24
	DefaultWindowHours          = 24
	DefaultMaxWindowSize        = 1000
	DefaultRollupInterval       = time.Hour
	DefaultAggregateMinInterval = 5 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, file-backed rollup log if not set
		WindowDuration:       getEnvDuration("WINDOW_DURATION", DefaultWindowHours*time.Hour),
		MaxWindowSize:        int(getEnvInt64("MAX_WINDOW_SIZE", DefaultMaxWindowSize)),
		VolatilityCap:        getEnvFloat("VOLATILITY_CAP", 50),
		DriftCap:             getEnvFloat("DRIFT_CAP", 25),
		VarianceShiftCap:     getEnvFloat("VARIANCE_SHIFT_CAP", 30),
		AnomalyWeight:        getEnvFloat("ANOMALY_WEIGHT", 1.5),
		RollupInterval:       getEnvDuration("ROLLUP_INTERVAL", DefaultRollupInterval),
		RollupLogPath:        getEnv("ROLLUP_LOG_PATH", DefaultRollupLogPath),
		RollupRetain:         int(getEnvInt64("ROLLUP_RETAIN", DefaultRollupRetain)),
		AggregateMinInterval: getEnvDuration("AGGREGATE_MIN_INTERVAL", DefaultAggregateMinInterval),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WINDOW_DURATION must be positive")
	}
	if c.MaxWindowSize <= 0 {
		return fmt.Errorf("MAX_WINDOW_SIZE must be positive")
	}
	if c.VolatilityCap <= 0 || c.DriftCap <= 0 || c.VarianceShiftCap <= 0 {
		return fmt.Errorf("normalization caps must be positive")
	}
	if c.AnomalyWeight <= 0 {
		return fmt.Errorf("ANOMALY_WEIGHT must be positive")
	}
	if c.RollupInterval <= 0 {
		return fmt.Errorf("ROLLUP_INTERVAL must be positive")
	}
	if c.RollupRetain <= 0 {
		return fmt.Errorf("ROLLUP_RETAIN must be positive")
	}
	if c.DatabaseURL == "" && c.RollupLogPath == "" {
		return fmt.Errorf("either DATABASE_URL or ROLLUP_LOG_PATH is required")
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

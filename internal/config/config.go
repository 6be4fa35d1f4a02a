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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Cache
	RedisURL string        // Redis connection URL (optional, uses in-memory if not set)
	CacheTTL time.Duration // verdict cache lifetime

	// Models
	ModelDir string // directory holding the model manifest and artifacts

	// Scoring
	XGBWeight    float64
	LSTMWeight   float64
	Threshold    float64
	ScoreTimeout time.Duration

	// Post-filtering
	MinSessionDuration time.Duration
	BenignPatterns     []string // comma-joined action sequences, ";"-separated in the env var

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	AllowedOrigins []string

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultModelDir          = "models"
	DefaultCacheTTLSeconds   = 300
	DefaultXGBWeight         = 0.6
	DefaultLSTMWeight        = 0.4
	DefaultThreshold         = 0.5
	DefaultScoreTimeoutMS    = 2000
	DefaultMinDurationSecs   = 30
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindowS  = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:    os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		CacheTTL:    getEnvSeconds("CACHE_TTL_SECONDS", DefaultCacheTTLSeconds*time.Second),
		ModelDir:    getEnv("MODEL_DIR", DefaultModelDir),

		XGBWeight:    getEnvFloat("XGB_WEIGHT", DefaultXGBWeight),
		LSTMWeight:   getEnvFloat("LSTM_WEIGHT", DefaultLSTMWeight),
		Threshold:    getEnvFloat("ALERT_THRESHOLD", DefaultThreshold),
		ScoreTimeout: getEnvMillis("SCORE_TIMEOUT_MS", DefaultScoreTimeoutMS*time.Millisecond),

		MinSessionDuration: getEnvSeconds("MIN_SESSION_DURATION_SECONDS", DefaultMinDurationSecs*time.Second),
		BenignPatterns:     getEnvList("BENIGN_PATTERNS", ";"),

		RateLimitRequests: int(getEnvInt64("RATE_LIMIT_REQUESTS", DefaultRateLimitRequests)),
		RateLimitWindow:   getEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", DefaultRateLimitWindowS*time.Second),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", ","),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are coherent
func (c *Config) Validate() error {
	if c.XGBWeight < 0 || c.LSTMWeight < 0 {
		return fmt.Errorf("model weights must be non-negative")
	}
	sum := c.XGBWeight + c.LSTMWeight
	if sum < 1-1e-9 || sum > 1+1e-9 {
		return fmt.Errorf("XGB_WEIGHT and LSTM_WEIGHT must sum to 1, got %g", sum)
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("ALERT_THRESHOLD must be strictly between 0 and 1, got %g", c.Threshold)
	}
	if c.ScoreTimeout <= 0 {
		return fmt.Errorf("SCORE_TIMEOUT_MS must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be positive")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	if c.ModelDir == "" {
		return fmt.Errorf("MODEL_DIR is required")
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

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultValue
}

// getEnvList splits an env var on sep, trimming and dropping empty items.
func getEnvList(key, sep string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

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
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Classifier settings
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string // optional, for OpenAI-compatible endpoints
	ClassifierTimeout time.Duration
	EnableMonitoring  bool // false disables the classifier; heuristic scoring only

	// Pipeline settings
	QueueSize        int
	AnalysisInterval time.Duration // minimum gap between consecutive analyses
	ContextWindow    int           // prior messages passed to the classifier
	RollingWindow    int           // assessments in the actor rolling average
	GateMinLength    int
	GateMinScore     float64

	// Risk thresholds
	LowThreshold      float64
	MediumThreshold   float64
	HighThreshold     float64
	CriticalThreshold float64

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultClassifierTimeout = 30 * time.Second
	DefaultQueueSize         = 1024
	DefaultAnalysisInterval  = 2 * time.Second
	DefaultContextWindow     = 5
	DefaultRollingWindow     = 20
	DefaultGateMinLength     = 50
	DefaultGateMinScore      = 30
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		ClassifierTimeout: getEnvDuration("CLASSIFIER_TIMEOUT", DefaultClassifierTimeout),
		EnableMonitoring:  getEnvBool("ENABLE_MONITORING", true),
		QueueSize:         int(getEnvInt64("QUEUE_SIZE", DefaultQueueSize)),
		AnalysisInterval:  getEnvDuration("ANALYSIS_INTERVAL", DefaultAnalysisInterval),
		ContextWindow:     int(getEnvInt64("CONTEXT_WINDOW", DefaultContextWindow)),
		RollingWindow:     int(getEnvInt64("ROLLING_WINDOW", DefaultRollingWindow)),
		GateMinLength:     int(getEnvInt64("GATE_MIN_LENGTH", DefaultGateMinLength)),
		GateMinScore:      getEnvFloat("GATE_MIN_SCORE", DefaultGateMinScore),
		LowThreshold:      getEnvFloat("LOW_RISK_THRESHOLD", 30),
		MediumThreshold:   getEnvFloat("MEDIUM_RISK_THRESHOLD", 60),
		HighThreshold:     getEnvFloat("HIGH_RISK_THRESHOLD", 85),
		CriticalThreshold: getEnvFloat("CRITICAL_RISK_THRESHOLD", 95),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EnableMonitoring && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when monitoring is enabled (set ENABLE_MONITORING=false for heuristic-only mode)")
	}

	if !(c.LowThreshold < c.MediumThreshold && c.MediumThreshold < c.HighThreshold && c.HighThreshold < c.CriticalThreshold) {
		return fmt.Errorf("risk thresholds must be strictly increasing: low < medium < high < critical")
	}
	if c.CriticalThreshold > 100 {
		return fmt.Errorf("CRITICAL_RISK_THRESHOLD must not exceed 100")
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive")
	}
	if c.AnalysisInterval < 0 {
		return fmt.Errorf("ANALYSIS_INTERVAL must not be negative")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

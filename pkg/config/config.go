package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the dashboard service.
// Environment variables are read only in this package.
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Upstream market-data service
	Upstream UpstreamConfig

	// Analysis job polling
	Poll PollConfig

	// Forced refresh
	Refresh RefreshConfig

	// Scheduled jobs
	Schedule ScheduleConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// UpstreamConfig holds the upstream market-data service configuration
type UpstreamConfig struct {
	BaseURL string
	NewsURL string
	Timeout time.Duration

	// Rate limiting for outbound calls
	RateLimit float64 // requests per second
	RateBurst int
}

// PollConfig holds analysis job poll loop configuration
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// RefreshConfig holds forced-refresh configuration
type RefreshConfig struct {
	// Scope controls how wide a cache invalidation a forced refresh causes:
	// "exact", "symbol", or "dataset"
	Scope string
}

// ScheduleConfig holds cron schedule configuration
type ScheduleConfig struct {
	Enabled     bool
	RefreshCron string   // market-open warm refresh
	SweepCron   string   // error-entry sweep
	Symbols     []string // index symbols warmed by the refresh job
	SweepMaxAge time.Duration
}

// Load reads configuration from environment variables.
// Only this function calls os.Getenv().
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8090"),
		Env:  getEnv("ENV", "development"),

		Upstream: UpstreamConfig{
			BaseURL:   getEnv("UPSTREAM_BASE_URL", "http://localhost:8000"),
			NewsURL:   getEnv("UPSTREAM_NEWS_URL", ""),
			Timeout:   getEnvAsDuration("UPSTREAM_TIMEOUT", "30s"),
			RateLimit: getEnvAsFloat("UPSTREAM_RATE_LIMIT", 10),
			RateBurst: getEnvAsInt("UPSTREAM_RATE_BURST", 5),
		},

		Poll: PollConfig{
			Interval:    getEnvAsDuration("POLL_INTERVAL", "3s"),
			MaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 100),
		},

		Refresh: RefreshConfig{
			Scope: getEnv("REFRESH_SCOPE", "dataset"),
		},

		Schedule: ScheduleConfig{
			Enabled:     getEnvAsBool("SCHEDULE_ENABLED", true),
			RefreshCron: getEnv("SCHEDULE_REFRESH_CRON", "0 5 9 * * MON-FRI"),
			SweepCron:   getEnv("SCHEDULE_SWEEP_CRON", "0 0 * * * *"),
			Symbols:     getEnvAsList("SCHEDULE_SYMBOLS", "KOSPI"),
			SweepMaxAge: getEnvAsDuration("SCHEDULE_SWEEP_MAX_AGE", "1h"),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}

	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}

	switch c.Refresh.Scope {
	case "exact", "symbol", "dataset":
	default:
		return fmt.Errorf("REFRESH_SCOPE must be one of: exact, symbol, dataset")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	// Try paths in order of priority
	paths := []string{
		".env",
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

func getEnvAsList(key string, defaultValue string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config reads the server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port string

	DataDir string

	Workers       int
	QueueSize     int
	MaxURLsPerJob int
	ScrapeDelay   time.Duration
	ScrapeTimeout time.Duration

	JWTSecret     string
	TokenDuration time.Duration

	CleanupMaxAge time.Duration

	LogLevel       string
	LogDevelopment bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads a .env file if present, then builds the configuration from
// environment variables with defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port: getEnvOrDefault("PORT", "8080"),

		DataDir: getEnvOrDefault("DATA_DIR", "data"),

		Workers:       getEnvIntOrDefault("SCRAPE_WORKERS", 5),
		QueueSize:     getEnvIntOrDefault("SCRAPE_QUEUE_SIZE", 100),
		MaxURLsPerJob: getEnvIntOrDefault("MAX_URLS_PER_JOB", 100),
		ScrapeDelay:   getEnvDurationOrDefault("SCRAPE_DELAY", 500*time.Millisecond),
		ScrapeTimeout: getEnvDurationOrDefault("SCRAPE_TIMEOUT", 30*time.Second),

		JWTSecret:     getEnvOrDefault("JWT_SECRET", "changeme"),
		TokenDuration: getEnvDurationOrDefault("JWT_DURATION", 24*time.Hour),

		CleanupMaxAge: getEnvDurationOrDefault("CLEANUP_MAX_AGE", 24*time.Hour),

		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogDevelopment: getEnvBoolOrDefault("LOG_DEVELOPMENT", false),

		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBoolOrDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

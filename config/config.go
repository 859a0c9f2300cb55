// Package config loads server settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Driver names accepted by DB_DRIVER.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

type Config struct {
	// Server
	Port int
	Env  string

	// Database
	Driver string
	DBPath string

	// Store retry
	RetryAttempts int
	RetryBackoff  time.Duration

	// CORS
	AllowedOrigins []string

	// Logging
	LogLevel string
}

// Load reads .env (if present) and then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	return &Config{
		Port: parseInt(getEnv("PORT", "8080"), 8080),
		Env:  getEnv("ENV", "development"),

		Driver: getEnv("DB_DRIVER", DriverSQLite),
		DBPath: getEnv("DB_PATH", "points.db"),

		RetryAttempts: parseInt(getEnv("STORE_RETRY_ATTEMPTS", "3"), 3),
		RetryBackoff:  parseDuration(getEnv("STORE_RETRY_BACKOFF", "20ms"), 20*time.Millisecond),

		AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseInt(s string, defaultValue int) int {
	value, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseStringSlice(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

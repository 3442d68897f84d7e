package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer               string        // Issuer claim for evidence tokens (default: authd)
	DatabaseFile         string        // Path to SQLite database file (default: ./authd.db)
	EvidenceKeyPath      string        // Optional: PEM file with the Ed25519 evidence key; empty means per-boot ephemeral
	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 10m)
	EvidenceTTL          time.Duration // Evidence token lifetime (default: 5m)
}

func LoadConfig() Config {
	return Config{
		Issuer:               getEnvOrDefault("AUTHD_ISSUER", "authd"),
		DatabaseFile:         getEnvOrDefault("AUTHD_DATABASE_FILE", "authd.db"),
		EvidenceKeyPath:      os.Getenv("AUTHD_EVIDENCE_KEY_PATH"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		HousekeepingInterval: getEnvDurationOrDefault("AUTHD_HOUSEKEEPING_INTERVAL", 10*time.Minute),
		EvidenceTTL:          getEnvDurationOrDefault("AUTHD_EVIDENCE_TTL", 5*time.Minute),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes (for backwards compatibility)
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}

package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	SigningKey string // Required: HMAC key for handoff tokens (min 32 bytes)
	HashKey    string // Optional: separate key for token storage hashes (defaults to SigningKey)

	DatabaseFile string // Optional: path to SQLite database file (default: ./handoff.db)

	SessionTTL time.Duration // Optional: pending session lifetime (default: 2m)
	PickupTTL  time.Duration // Optional: post-approval claim window (default: 30s)

	CreateRateMax      int           // Optional: sessions per IP per window (default: 10)
	CreateRateWindow   time.Duration // Optional: create rate window (default: 1m)
	ExchangeRateMax    int           // Optional: approval attempts per IP+session per window (default: 5)
	ExchangeRateWindow time.Duration // Optional: exchange rate window (default: 3m)

	RedisAddr     string // Optional: redis address for shared rate limiting; empty means in-process
	RedisPassword string // Optional: redis password

	Env                   string        // Environment (dev, staging, prod) (default: dev)
	LogLevel              string        // Log level (debug, info, warn, error) (default: info)
	LogFormat             string        // Log format (json, text) (default: json)
	Port                  int           // HTTP server port (default: 8080)
	ShutdownGracePeriod   time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval  time.Duration // Housekeeping sweep interval (default: 1h)
	HousekeepingRetention time.Duration // How long dead sessions stay queryable (default: 24h)
}

func LoadConfig() Config {
	return Config{
		SigningKey: os.Getenv("HANDOFF_SIGNING_KEY"),
		HashKey:    os.Getenv("HANDOFF_HASH_KEY"),

		DatabaseFile: getEnvOrDefault("HANDOFF_DATABASE_FILE", "handoff.db"),

		SessionTTL: getEnvDurationOrDefault("HANDOFF_SESSION_TTL", 2*time.Minute),
		PickupTTL:  getEnvDurationOrDefault("HANDOFF_PICKUP_TTL", 30*time.Second),

		CreateRateMax:      getEnvIntOrDefault("HANDOFF_CREATE_RATE_MAX", 10),
		CreateRateWindow:   getEnvDurationOrDefault("HANDOFF_CREATE_RATE_WINDOW", time.Minute),
		ExchangeRateMax:    getEnvIntOrDefault("HANDOFF_EXCHANGE_RATE_MAX", 5),
		ExchangeRateWindow: getEnvDurationOrDefault("HANDOFF_EXCHANGE_RATE_WINDOW", 3*time.Minute),

		RedisAddr:     os.Getenv("HANDOFF_REDIS_ADDR"),
		RedisPassword: os.Getenv("HANDOFF_REDIS_PASSWORD"),

		Env:                   getEnvOrDefault("ENV", "dev"),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:             getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                  getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:   getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval:  getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
		HousekeepingRetention: getEnvDurationOrDefault("HOUSEKEEPING_RETENTION", 24*time.Hour),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are read as seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}

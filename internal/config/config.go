package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Server
	Port    int
	DevMode bool

	// Database
	DatabasePath string

	// Matching engine
	LockTimeout time.Duration

	// Dividend engine: minimum days a lot must be held before its holder
	// shows as dividend_eligible in the fifonet projection. The historical
	// deployments used 10 or 180; 180 is the default here.
	DividendEligibleMinDays int

	// Session sweeper cron schedule (with seconds field).
	SweepSchedule string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnvAsInt("EXCHANGE_PORT", 8001),
		DevMode:                 getEnvAsBool("DEV_MODE", false),
		DatabasePath:            getEnv("DATABASE_PATH", "./data/exchange.db"),
		LockTimeout:             time.Duration(getEnvAsInt("LOCK_TIMEOUT_SECONDS", 5)) * time.Second,
		DividendEligibleMinDays: getEnvAsInt("DIVIDEND_ELIGIBLE_MIN_DAYS", 180),
		SweepSchedule:           getEnv("SWEEP_SCHEDULE", "0 5 18 * * *"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.DividendEligibleMinDays <= 0 {
		return fmt.Errorf("DIVIDEND_ELIGIBLE_MIN_DAYS must be positive")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

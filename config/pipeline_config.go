package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// generateConsumerID creates a unique consumer ID using hostname and PID
func generateConsumerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pipeline"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMTimeoutSec  int

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string

	// Consumer (Redis Stream)
	ConsumerGroup           string
	ConsumerID              string
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
	ConsumerPendingIdleSec  int

	// Dedup
	DedupLockTTL time.Duration

	// Backfill
	BackfillEnabled  bool
	BackfillInterval time.Duration
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
		LLMTimeoutSec:  getEnvInt("LLM_TIMEOUT_SEC", 60),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRefreshToken: getEnv("GOOGLE_REFRESH_TOKEN", ""),

		// Consumer
		ConsumerGroup:           getEnv("CONSUMER_GROUP", "pipeline-workers"),
		ConsumerID:              getEnv("CONSUMER_ID", generateConsumerID()),
		ConsumerMaxRetries:      getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingCheckSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 30),
		ConsumerPendingIdleSec:  getEnvInt("CONSUMER_PENDING_IDLE_SEC", 120),

		// Dedup
		DedupLockTTL: time.Duration(getEnvInt("DEDUP_LOCK_TTL_SEC", 120)) * time.Second,

		// Backfill
		BackfillEnabled:  getEnvBool("BACKFILL_ENABLED", true),
		BackfillInterval: time.Duration(getEnvInt("BACKFILL_INTERVAL_SEC", 300)) * time.Second,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Package config centralizes runtime settings for the agent. Everything
// is a plain environment variable with a documented default.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port      string
	AuthToken string
	LogLevel  string

	// DatabaseURL enables the Postgres job store and durable cache tier.
	// Empty falls back to in-memory stores.
	DatabaseURL string

	// RedisAddr switches the durable cache tier to Redis when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AIAPIKey      string
	AIBaseURL     string
	AIModel       string
	AITimeout     time.Duration
	AITemperature float64
	AIMaxTokens   int

	// Owner conversation key and the channel terminal failures notify.
	OwnerKey        string
	OperatorChannel string

	// General rate limiter (AI calls, replies).
	GeneralThrottleDelay time.Duration
	GeneralMaxRetries    int
	GeneralInitialDelay  time.Duration
	GeneralMaxDelay      time.Duration

	// Metadata rate limiter (group listing/metadata), tuned conservatively.
	MetadataThrottleDelay time.Duration
	MetadataMaxRetries    int
	MetadataInitialDelay  time.Duration
	MetadataMaxDelay      time.Duration

	CacheMemoryTTL     time.Duration
	CacheStoreTTL      time.Duration
	CacheSweepInterval time.Duration

	BufferWindowSolo   time.Duration
	BufferWindowLow    time.Duration
	BufferWindowMedium time.Duration
	BufferWindowHigh   time.Duration

	MessageQueueRetention  time.Duration
	ReportQueueRetention   time.Duration
	QueueProcessingTimeout time.Duration

	WorkerEnabled          bool
	WorkerMessageInterval  time.Duration
	WorkerReportInterval   time.Duration
	WorkerCleanupInterval  time.Duration

	TrackerPath            string
	TrackerCleanupInterval time.Duration

	BroadcastSendDelay       time.Duration
	BroadcastMinParticipants int

	RateLimitRPS   float64
	RateLimitBurst int
}

func Load() Config {
	return Config{
		Port:      getEnv("PORT", "8080"),
		AuthToken: getEnv("API_AUTH_TOKEN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AIAPIKey:      getEnv("AI_API_KEY", ""),
		AIBaseURL:     getEnv("AI_BASE_URL", "https://openrouter.ai/api/v1"),
		AIModel:       getEnv("AI_MODEL", "gpt-4.1-mini"),
		AITimeout:     getEnvDuration("AI_TIMEOUT", 30*time.Second),
		AITemperature: getEnvFloat("AI_TEMPERATURE", 0.7),
		AIMaxTokens:   getEnvInt("AI_MAX_TOKENS", 800),

		OwnerKey:        getEnv("OWNER_KEY", ""),
		OperatorChannel: getEnv("OPERATOR_CHANNEL", ""),

		GeneralThrottleDelay: getEnvDuration("GENERAL_THROTTLE_DELAY", 1*time.Second),
		GeneralMaxRetries:    getEnvInt("GENERAL_MAX_RETRIES", 3),
		GeneralInitialDelay:  getEnvDuration("GENERAL_INITIAL_DELAY", 1*time.Second),
		GeneralMaxDelay:      getEnvDuration("GENERAL_MAX_DELAY", 30*time.Second),

		MetadataThrottleDelay: getEnvDuration("METADATA_THROTTLE_DELAY", 3*time.Second),
		MetadataMaxRetries:    getEnvInt("METADATA_MAX_RETRIES", 5),
		MetadataInitialDelay:  getEnvDuration("METADATA_INITIAL_DELAY", 2*time.Second),
		MetadataMaxDelay:      getEnvDuration("METADATA_MAX_DELAY", 60*time.Second),

		CacheMemoryTTL:     getEnvDuration("CACHE_MEMORY_TTL", time.Hour),
		CacheStoreTTL:      getEnvDuration("CACHE_STORE_TTL", time.Hour),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),

		BufferWindowSolo:   getEnvDuration("BUFFER_WINDOW_SOLO", 3*time.Second),
		BufferWindowLow:    getEnvDuration("BUFFER_WINDOW_LOW", 6*time.Second),
		BufferWindowMedium: getEnvDuration("BUFFER_WINDOW_MEDIUM", 10*time.Second),
		BufferWindowHigh:   getEnvDuration("BUFFER_WINDOW_HIGH", 15*time.Second),

		MessageQueueRetention:  getEnvDuration("MESSAGE_QUEUE_RETENTION", 24*time.Hour),
		ReportQueueRetention:   getEnvDuration("REPORT_QUEUE_RETENTION", 7*24*time.Hour),
		QueueProcessingTimeout: getEnvDuration("QUEUE_PROCESSING_TIMEOUT", 10*time.Minute),

		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		WorkerMessageInterval: getEnvDuration("WORKER_MESSAGE_INTERVAL", 10*time.Second),
		WorkerReportInterval:  getEnvDuration("WORKER_REPORT_INTERVAL", 30*time.Second),
		WorkerCleanupInterval: getEnvDuration("WORKER_CLEANUP_INTERVAL", time.Hour),

		TrackerPath:            getEnv("TRACKER_PATH", "data/ad_tracker.json"),
		TrackerCleanupInterval: getEnvDuration("TRACKER_CLEANUP_INTERVAL", 5*time.Minute),

		BroadcastSendDelay:       getEnvDuration("BROADCAST_SEND_DELAY", 2*time.Second),
		BroadcastMinParticipants: getEnvInt("BROADCAST_MIN_PARTICIPANTS", 0),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

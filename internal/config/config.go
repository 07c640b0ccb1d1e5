package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	RedisURL    string
	DatabaseURL string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	BedrockEnabled  bool

	AWSRegion          string
	ProviderSecretName string
	UsageQueueURL      string
	AlertTopicArn      string

	OTLPEndpoint string

	CacheEnabled bool
	CacheTTL     time.Duration

	RateLimitRPM int

	// Per-provider circuit breaker tuning, applied to every breaker the
	// registry creates.
	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerResetTimeout     time.Duration
	BreakerHalfOpenQuota    int

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		BedrockEnabled:  getEnv("BEDROCK_ENABLED", "false") == "true",

		AWSRegion:          getEnv("AWS_REGION", ""),
		ProviderSecretName: getEnv("PROVIDER_SECRET_NAME", ""),
		UsageQueueURL:      getEnv("USAGE_QUEUE_URL", ""),
		AlertTopicArn:      getEnv("ALERT_TOPIC_ARN", ""),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		CacheEnabled: getEnv("CACHE_ENABLED", "true") == "true",
		CacheTTL:     getDurationEnv("CACHE_TTL", time.Hour),

		RateLimitRPM: getIntEnv("RATE_LIMIT_RPM", 60),

		BreakerFailureThreshold: getIntEnv("CB_FAILURE_THRESHOLD", 5),
		BreakerWindow:           getDurationEnv("CB_WINDOW", time.Minute),
		BreakerResetTimeout:     getDurationEnv("CB_RESET_TIMEOUT", 30*time.Second),
		BreakerHalfOpenQuota:    getIntEnv("CB_HALF_OPEN_QUOTA", 2),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

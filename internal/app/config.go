// Package app loads configuration from the environment and assembles the
// running gateway.
package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/modelmux/modelmux/internal/gateway"
)

// Config is the full runtime configuration, sourced from the environment.
type Config struct {
	Port int
	Env  string // "development" or "production"

	DatabaseURL string
	RedisURL    string

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GroqAPIKey      string
	TogetherAPIKey  string
	OllamaURL       string

	AdminAPIKey   string
	EnableMetrics bool
	EnableTracing bool
	OTLPEndpoint  string
	LogLevel      string
	RedactPrompts bool

	CacheTTL             time.Duration
	CacheSimilarity      float64
	CacheMaxEntries      int
	GlobalMonthlyTokens  int64
	GlobalMonthlyUSD     float64
	DefaultStrategy      string
	ModelPricingFile     string
	RequestLogRetainDays int
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes", "on":
		return true
	case "0", "false", "FALSE", "no", "off":
		return false
	}
	return fallback
}

// FromEnv reads and validates the configuration.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:              getEnv("NODE_ENV", "development"),
		DatabaseURL:      getEnv("DATABASE_URL", "modelmux.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GroqAPIKey:       os.Getenv("GROQ_API_KEY"),
		TogetherAPIKey:   os.Getenv("TOGETHER_API_KEY"),
		OllamaURL:        getEnv("OLLAMA_URL", "http://localhost:11434"),
		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),
		EnableMetrics:    getEnvBool("ENABLE_METRICS", false),
		EnableTracing:    getEnvBool("ENABLE_TRACING", false),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RedactPrompts:    getEnvBool("REDACT_PROMPTS", false),
		DefaultStrategy:  getEnv("DEFAULT_ROUTING_STRATEGY", gateway.StrategyBalanced),
		ModelPricingFile: os.Getenv("MODEL_PRICING_FILE"),
	}

	var err error
	if cfg.Port, err = getEnvInt("PORT", 4000); err != nil {
		return cfg, err
	}
	ttlSecs, err := getEnvInt("CACHE_TTL_SECONDS", 3600)
	if err != nil {
		return cfg, err
	}
	cfg.CacheTTL = time.Duration(ttlSecs) * time.Second
	if cfg.CacheSimilarity, err = getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0.95); err != nil {
		return cfg, err
	}
	if cfg.CacheMaxEntries, err = getEnvInt("CACHE_MAX_ENTRIES", 10000); err != nil {
		return cfg, err
	}
	if cfg.GlobalMonthlyTokens, err = getEnvInt64("GLOBAL_MONTHLY_TOKEN_BUDGET", 0); err != nil {
		return cfg, err
	}
	if cfg.GlobalMonthlyUSD, err = getEnvFloat("GLOBAL_MONTHLY_USD_BUDGET", 0); err != nil {
		return cfg, err
	}
	if cfg.RequestLogRetainDays, err = getEnvInt("REQUEST_LOG_RETAIN_DAYS", 30); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if !gateway.ValidStrategy(c.DefaultStrategy) {
		return fmt.Errorf("DEFAULT_ROUTING_STRATEGY %q is not one of cost, quality, latency, balanced", c.DefaultStrategy)
	}
	if c.CacheSimilarity <= 0 || c.CacheSimilarity > 1 {
		return fmt.Errorf("CACHE_SIMILARITY_THRESHOLD %v must be in (0, 1]", c.CacheSimilarity)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}
	if c.Env != "development" && c.Env != "production" && c.Env != "test" {
		return fmt.Errorf("NODE_ENV %q must be development, production or test", c.Env)
	}
	return nil
}

// Production reports whether the server runs with production guarantees.
func (c Config) Production() bool { return c.Env == "production" }

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Reservation modes for QUOTA_RESERVATION.
const (
	ReservationRedis = "redis"
	ReservationNone  = "none"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey     string
	GeminiAPIKey     string
	AnthropicAPIKey  string
	OpenAIBaseURL    string
	GeminiBaseURL    string
	AnthropicBaseURL string
	ProviderTimeout  time.Duration // default: 60s

	// Metering
	CatalogPath              string // optional YAML pricing/tier catalog
	QuotaReservation         string // "redis" or "none"
	DefaultReservationTokens int    // completion budget reserved when max_tokens is unset

	// Observability
	LogLevel             string
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	EventsBuffer         int
	EventsChannel        string // redis pub/sub channel, empty disables publishing

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

// Load reads the environment and validates it for the serve command.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses the environment without requiring the serve-only settings.
// The migrate and seed commands only need POSTGRES_DSN.
func Read() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		GeminiBaseURL:        os.Getenv("GEMINI_BASE_URL"),
		AnthropicBaseURL:     os.Getenv("ANTHROPIC_BASE_URL"),
		CatalogPath:          os.Getenv("CATALOG_PATH"),
		QuotaReservation:     getEnv("QUOTA_RESERVATION", ReservationRedis),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		EventsChannel:        os.Getenv("EVENTS_CHANNEL"),
	}

	var err error
	if cfg.ProviderTimeout, err = getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.DefaultReservationTokens, err = getEnvInt("DEFAULT_RESERVATION_TOKENS", 1000); err != nil {
		return nil, err
	}
	if cfg.EventsBuffer, err = getEnvInt("EVENTS_BUFFER", 1024); err != nil {
		return nil, err
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	return cfg, nil
}

// Validate checks the settings required by the serve command.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	switch c.QuotaReservation {
	case ReservationRedis, ReservationNone:
	default:
		return fmt.Errorf("invalid QUOTA_RESERVATION %q: want %q or %q", c.QuotaReservation, ReservationRedis, ReservationNone)
	}
	if c.DefaultReservationTokens < 0 {
		return fmt.Errorf("DEFAULT_RESERVATION_TOKENS must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/voice-metering/internal/metering"
	"github.com/vnmchuo/voice-metering/internal/pricing"
	"github.com/vnmchuo/voice-metering/internal/usage"
)

type Config struct {
	// Server
	Port               string // default: 8080
	CORSAllowedOrigins []string

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // "json" or "console"
	LogFile   string // optional extra output path

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitEPM int64 // usage events per minute per account, default: 6000

	// Metering
	Metering metering.Config
	Prices   pricing.Table

	RunSeed bool
}

// priceEnv maps each rate to its override variable.
var priceEnv = map[pricing.RateKey]string{
	{Kind: usage.KindLLM, Name: pricing.RateInput}:     "PRICE_LLM_INPUT",
	{Kind: usage.KindLLM, Name: pricing.RateOutput}:    "PRICE_LLM_OUTPUT",
	{Kind: usage.KindTTS, Name: pricing.RateCharacter}: "PRICE_TTS_CHARACTER",
	{Kind: usage.KindSTT, Name: pricing.RateSecond}:    "PRICE_STT_SECOND",
	{Kind: usage.KindVAD, Name: pricing.RateSecond}:    "PRICE_VAD_SECOND",
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		LogFile:              getEnv("LOG_FILE", ""),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		CORSAllowedOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		RunSeed:              getEnv("RUN_SEED", "false") == "true",
		Metering: metering.Config{
			Mode:   metering.Mode(getEnv("METERING_MODE", string(metering.ModeSummary))),
			Policy: metering.CreditPolicy(getEnv("METERING_CREDIT_POLICY", string(metering.PolicyLogOnly))),
		},
	}

	epm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_EPM", "6000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_EPM: %w", err)
	}
	cfg.DefaultRateLimitEPM = epm

	queueSize, err := strconv.Atoi(getEnv("METERING_QUEUE_SIZE", strconv.Itoa(metering.DefaultQueueSize)))
	if err != nil {
		return nil, fmt.Errorf("invalid METERING_QUEUE_SIZE: %w", err)
	}
	cfg.Metering.QueueSize = queueSize

	cfg.Prices, err = loadPrices()
	if err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if err := cfg.Metering.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Prices.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadPrices starts from the default table and applies any PRICE_* overrides.
// Overrides are per-unit USD amounts.
func loadPrices() (pricing.Table, error) {
	prices := pricing.Default()
	for key, env := range priceEnv {
		raw, ok := os.LookupEnv(env)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", env, err)
		}
		prices[key] = v
	}
	return prices, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

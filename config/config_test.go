package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/voice-metering/internal/metering"
	"github.com/vnmchuo/voice-metering/internal/pricing"
	"github.com/vnmchuo/voice-metering/internal/usage"
)

func setRequired(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/metering")
	t.Setenv("REDIS_ADDR", "localhost:6379")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(6000), cfg.DefaultRateLimitEPM)
	assert.Equal(t, metering.DefaultConfig(), cfg.Metering)
	assert.Equal(t, pricing.Default(), cfg.Prices)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.RunSeed)
	assert.Empty(t, cfg.LogFile)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("METERING_MODE", "per_call")
	t.Setenv("METERING_CREDIT_POLICY", "enforce")
	t.Setenv("METERING_QUEUE_SIZE", "16")
	t.Setenv("PRICE_TTS_CHARACTER", "0.00002")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RUN_SEED", "true")
	t.Setenv("LOG_FILE", "/var/log/meterd.log")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, metering.ModePerCall, cfg.Metering.Mode)
	assert.Equal(t, metering.PolicyEnforce, cfg.Metering.Policy)
	assert.Equal(t, 16, cfg.Metering.QueueSize)
	assert.Equal(t, 0.00002, cfg.Prices[pricing.RateKey{Kind: usage.KindTTS, Name: pricing.RateCharacter}])
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.RunSeed)
	assert.Equal(t, "/var/log/meterd.log", cfg.LogFile)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing postgres", map[string]string{"POSTGRES_DSN": ""}},
		{"missing redis", map[string]string{"REDIS_ADDR": ""}},
		{"bad rate limit", map[string]string{"DEFAULT_RATE_LIMIT_EPM": "lots"}},
		{"bad mode", map[string]string{"METERING_MODE": "hourly"}},
		{"bad policy", map[string]string{"METERING_CREDIT_POLICY": "warn"}},
		{"zero queue", map[string]string{"METERING_QUEUE_SIZE": "0"}},
		{"bad price", map[string]string{"PRICE_LLM_INPUT": "free"}},
		{"negative price", map[string]string{"PRICE_STT_SECOND": "-1"}},
		{"infinite price", map[string]string{"PRICE_TTS_CHARACTER": "Inf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

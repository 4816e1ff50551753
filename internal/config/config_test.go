package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"STATE_TABLE": "formbot-state"}))
	require.NoError(t, err)

	require.Equal(t, BackendDynamoDB, cfg.SessionBackend)
	require.Equal(t, "formbot-state", cfg.StateTable)
	require.Equal(t, "de", cfg.DefaultLanguage)
	require.Equal(t, []string{"de", "en", "sq"}, cfg.Languages)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 24*time.Hour, cfg.SessionTimeout)
	require.Equal(t, "@every 10m", cfg.SweepSchedule)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, ":8080", cfg.Addr())
	require.Equal(t, 1.0, cfg.RateLimitRPS)
	require.Equal(t, 5, cfg.RateLimitBurst)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"SESSION_BACKEND":  "Redis",
		"REDIS_ADDR":       "cache:6379",
		"REDIS_DB":         "2",
		"DEFAULT_LANGUAGE": "EN",
		"LANGUAGES":        " en , de ,",
		"MAX_RETRIES":      "5",
		"SESSION_TIMEOUT":  "30m",
		"SWEEP_SCHEDULE":   "*/5 * * * *",
		"PORT":             "9000",
		"RATE_LIMIT_RPS":   "0.5",
		"LOG_LEVEL":        "debug",
	}))
	require.NoError(t, err)

	require.Equal(t, BackendRedis, cfg.SessionBackend)
	require.Equal(t, "cache:6379", cfg.RedisAddr)
	require.Equal(t, 2, cfg.RedisDB)
	require.Equal(t, "en", cfg.DefaultLanguage)
	require.Equal(t, []string{"en", "de"}, cfg.Languages)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 0.5, cfg.RateLimitRPS)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{
		"SESSION_BACKEND":  "dynamodb",
		"DEFAULT_LANGUAGE": "fr",
		"MAX_RETRIES":      "many",
		"SESSION_TIMEOUT":  "-1h",
		"SWEEP_SCHEDULE":   "whenever",
		"PORT":             "0",
	}))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"STATE_TABLE", "DEFAULT_LANGUAGE", "MAX_RETRIES", "SESSION_TIMEOUT", "SWEEP_SCHEDULE", "PORT"} {
		require.Contains(t, msg, want)
	}
}

func TestLoad_UnknownBackend(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{"SESSION_BACKEND": "sqlite"}))
	require.ErrorContains(t, err, "SESSION_BACKEND")
}

func TestLoad_MemoryNeedsNothing(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"SESSION_BACKEND": "memory"}))
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.SessionBackend)
}

func TestLoadLocal_ForcesMemory(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "dynamodb")
	t.Setenv("STATE_TABLE", "")
	cfg, err := LoadLocal()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.SessionBackend)
}

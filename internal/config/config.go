// Package config reads the service configuration from the environment. It
// is read once at startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Backend string

const (
	BackendDynamoDB Backend = "dynamodb"
	BackendRedis    Backend = "redis"
	BackendMemory   Backend = "memory"
)

type Config struct {
	SessionBackend Backend
	StateTable     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// ParamPrefix is the SSM path below which secrets are read. Empty means
	// secrets come from the environment.
	ParamPrefix string

	// FormsDir and LocalesDir override the embedded assets.
	FormsDir   string
	LocalesDir string

	DefaultLanguage string
	Languages       []string
	MaxRetries      int
	SessionTimeout  time.Duration
	SweepSchedule   string

	SubmitURL string

	// SubmitToken and VerifyToken are used when ParamPrefix is empty.
	SubmitToken string
	VerifyToken string

	Port           int
	RateLimitRPS   float64
	RateLimitBurst int
	LogLevel       slog.Level
}

// Load reads the environment. The returned error lists every invalid value.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

// LoadLocal reads the environment like Load but always selects the memory
// backend, for commands that run without cloud resources.
func LoadLocal() (Config, error) {
	return load(func(key string) (string, bool) {
		if key == "SESSION_BACKEND" {
			return string(BackendMemory), true
		}
		return os.LookupEnv(key)
	})
}

func load(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		SessionBackend:  Backend(strings.ToLower(e.str("SESSION_BACKEND", string(BackendDynamoDB)))),
		StateTable:      e.str("STATE_TABLE", ""),
		RedisAddr:       e.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   e.str("REDIS_PASSWORD", ""),
		RedisDB:         e.integer("REDIS_DB", 0),
		RedisPrefix:     e.str("REDIS_PREFIX", "formbot:session:"),
		ParamPrefix:     e.str("PARAM_PREFIX", ""),
		FormsDir:        e.str("FORMS_DIR", ""),
		LocalesDir:      e.str("LOCALES_DIR", ""),
		DefaultLanguage: strings.ToLower(e.str("DEFAULT_LANGUAGE", "de")),
		Languages:       e.list("LANGUAGES", "de,en,sq"),
		MaxRetries:      e.integer("MAX_RETRIES", 3),
		SessionTimeout:  e.duration("SESSION_TIMEOUT", 24*time.Hour),
		SweepSchedule:   e.str("SWEEP_SCHEDULE", "@every 10m"),
		SubmitURL:       e.str("SUBMIT_URL", ""),
		SubmitToken:     e.str("SUBMIT_TOKEN", ""),
		VerifyToken:     e.str("VERIFY_TOKEN", ""),
		Port:            e.integer("PORT", 8080),
		RateLimitRPS:    e.number("RATE_LIMIT_RPS", 1),
		RateLimitBurst:  e.integer("RATE_LIMIT_BURST", 5),
		LogLevel:        e.level("LOG_LEVEL", slog.LevelInfo),
	}
	e.errs = append(e.errs, cfg.validate()...)
	return cfg, errors.Join(e.errs...)
}

func (c Config) validate() []error {
	var errs []error
	switch c.SessionBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("config: REDIS_ADDR is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("config: SESSION_BACKEND %q is not one of dynamodb, redis, memory", c.SessionBackend))
	}
	if len(c.Languages) == 0 {
		errs = append(errs, errors.New("config: LANGUAGES must name at least one language"))
	} else if !contains(c.Languages, c.DefaultLanguage) {
		errs = append(errs, fmt.Errorf("config: DEFAULT_LANGUAGE %q is not listed in LANGUAGES", c.DefaultLanguage))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("config: MAX_RETRIES must be at least 1, got %d", c.MaxRetries))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: SESSION_TIMEOUT must be positive, got %s", c.SessionTimeout))
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("config: SWEEP_SCHEDULE: %w", err))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: PORT %d out of range", c.Port))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("config: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errs
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return def
	}
	return v
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) number(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not a number", key, v))
		return def
	}
	return f
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key, def string) []string {
	var out []string
	for _, p := range strings.Split(e.str(key, def), ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *env) level(key string, def slog.Level) slog.Level {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return l
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// CronSecret is the bearer token every trigger call must present.
	CronSecret string

	JobTimeout           time.Duration
	Location             *time.Location
	RecurrenceWorkers    int
	RecurrenceMaxRetries int
	AuditSystemActions   bool

	ScheduleEnabled    bool
	RecurrenceInterval time.Duration
	RetentionInterval  time.Duration

	LogLevel string
}

// LoadEnv overlays .env and .env.dev onto the process environment when present.
func LoadEnv() []string {
	var loaded []string
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

func Load() (*Config, error) {
	LoadEnv()
	return FromEnv(os.Getenv)
}

// LoadOperator loads the configuration for local operator tooling, which
// never serves the trigger endpoints and so does not need CRON_SECRET.
func LoadOperator() (*Config, error) {
	LoadEnv()
	return fromEnv(os.Getenv, false)
}

// FromEnv builds a Config from the given lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	return fromEnv(getenv, true)
}

func fromEnv(getenv func(string) string, requireSecret bool) (*Config, error) {
	dbSource := getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	secret := strings.TrimSpace(getenv("CRON_SECRET"))
	if secret == "" && requireSecret {
		return nil, fmt.Errorf("CRON_SECRET environment variable is required")
	}

	cfg := &Config{
		DBSource:   dbSource,
		Port:       withDefault(getenv("SERVER_PORT"), "8080"),
		Env:        withDefault(getenv("ENVIRONMENT"), "development"),
		CronSecret: secret,
		LogLevel:   withDefault(getenv("LOG_LEVEL"), "info"),
	}

	var err error
	if cfg.JobTimeout, err = durationVar(getenv, "JOB_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RecurrenceInterval, err = durationVar(getenv, "RECURRENCE_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RetentionInterval, err = durationVar(getenv, "RETENTION_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RecurrenceWorkers, err = intVar(getenv, "RECURRENCE_WORKERS", 1, 1); err != nil {
		return nil, err
	}
	if cfg.RecurrenceMaxRetries, err = intVar(getenv, "RECURRENCE_MAX_RETRIES", 3, 0); err != nil {
		return nil, err
	}
	if cfg.AuditSystemActions, err = boolVar(getenv, "AUDIT_SYSTEM_ACTIONS", true); err != nil {
		return nil, err
	}
	if cfg.ScheduleEnabled, err = boolVar(getenv, "SCHEDULE_ENABLED", false); err != nil {
		return nil, err
	}

	tz := withDefault(getenv("JOB_TIMEZONE"), "UTC")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("JOB_TIMEZONE: %w", err)
	}

	return cfg, nil
}

func withDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func durationVar(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, raw)
	}
	return d, nil
}

func intVar(getenv func(string) string, key string, def, floor int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < floor {
		return 0, fmt.Errorf("%s: must be at least %d, got %d", key, floor, n)
	}
	return n, nil
}

func boolVar(getenv func(string) string, key string, def bool) (bool, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

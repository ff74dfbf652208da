package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Env captures process-level configuration sourced from the environment.
// Secrets never live in the settings file.
type Env struct {
	ListenAddress   string
	AdminAddress    string
	SettingsPath    string
	DatabaseURL     string
	RedisURL        string
	RelayAPIKey     string
	WebhookAPIKey   string
	WebhookTimeout  time.Duration
	LogEnvironment  string
	ShutdownTimeout time.Duration
}

// FromEnv reads the process environment. DATABASE_URL is the only required
// variable; everything else has a workable default or degrades a feature.
func FromEnv() (Env, error) {
	env := Env{
		ListenAddress:   envOr("RELAY_LISTEN_ADDR", ":8008"),
		AdminAddress:    envOr("RELAY_ADMIN_ADDR", ":8080"),
		SettingsPath:    envOr("RELAY_SETTINGS_PATH", "settings.yaml"),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		RelayAPIKey:     strings.TrimSpace(os.Getenv("RELAY_API_KEY")),
		WebhookAPIKey:   strings.TrimSpace(os.Getenv("VIDA_API_KEY")),
		WebhookTimeout:  5 * time.Second,
		LogEnvironment:  envOr("RELAY_ENV", "development"),
		ShutdownTimeout: 10 * time.Second,
	}
	if env.DatabaseURL == "" {
		return env, fmt.Errorf("DATABASE_URL is required")
	}
	if raw := strings.TrimSpace(os.Getenv("RELAY_WEBHOOK_TIMEOUT")); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return env, fmt.Errorf("invalid RELAY_WEBHOOK_TIMEOUT %q: %w", raw, err)
		}
		env.WebhookTimeout = timeout
	}
	return env, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	// Shared secret for worker-facing surfaces: the webhook receiver, the
	// pending-jobs feed, and the dispatch call to the worker itself.
	WorkerAPISecret string

	// Base URL this service is reachable at; the webhook callback URL handed
	// to the worker is derived from it.
	PublicBaseURL string

	StoragePath    string
	StorageBaseURL string

	VastAPIKey     string
	VastInstanceID string
	VastBaseURL    string

	WorkerPushTimeout  time.Duration
	HealthProbeTimeout time.Duration
	StartGuardWindow   time.Duration
	IdleTimeout        time.Duration
	PumpInterval       time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		WorkerAPISecret: os.Getenv("WORKER_API_SECRET"),
		PublicBaseURL:   getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		StoragePath:     getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:  getEnv("STORAGE_BASE_URL", "http://localhost:8080/v1/images"),

		VastAPIKey:     os.Getenv("VASTAI_API_KEY"),
		VastInstanceID: os.Getenv("VASTAI_INSTANCE_ID"),
		VastBaseURL:    getEnv("VASTAI_BASE_URL", "https://console.vast.ai/api/v0"),

		WorkerPushTimeout:  time.Second * time.Duration(getEnvInt("WORKER_PUSH_TIMEOUT_SECONDS", 10)),
		HealthProbeTimeout: time.Second * time.Duration(getEnvInt("HEALTH_PROBE_TIMEOUT_SECONDS", 10)),
		StartGuardWindow:   time.Second * time.Duration(getEnvInt("START_GUARD_WINDOW_SECONDS", 90)),
		IdleTimeout:        time.Minute * time.Duration(getEnvInt("IDLE_TIMEOUT_MINUTES", 10)),
		PumpInterval:       time.Second * time.Duration(getEnvInt("PUMP_INTERVAL_SECONDS", 30)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitCSV(origins)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.WorkerAPISecret == "" {
		return nil, fmt.Errorf("WORKER_API_SECRET is required")
	}

	return cfg, nil
}

// WebhookURL is the callback address handed to the remote worker.
func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/v1/webhooks/worker"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

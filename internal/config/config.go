// Package config loads the cleo-live runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// GatewayURL is the realtime voice gateway endpoint (ws:// or http://).
	GatewayURL string
	// GatewayToken authenticates the voice session.
	GatewayToken string

	// DatabaseURL is the Postgres DSN. Empty selects the in-memory store.
	DatabaseURL string

	// ExportBaseURL is the statistics/export API. Empty disables stats.
	ExportBaseURL string
	ExportToken   string

	// MetricsAddr serves Prometheus metrics and health. Empty disables it.
	MetricsAddr string

	// PlanFile is a JSON lesson plan to run.
	PlanFile string

	UserID   string
	Role     string
	TenantID string

	AutosaveInterval time.Duration

	VoiceLimit            time.Duration
	ExamVoiceLimit        time.Duration
	WarningThresholdRatio float64

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectCapDelay    time.Duration

	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		GatewayURL:            envOr("CLEO_GATEWAY_URL", "ws://localhost:8080/v1/lessons/live"),
		GatewayToken:          os.Getenv("CLEO_GATEWAY_TOKEN"),
		DatabaseURL:           os.Getenv("CLEO_DATABASE_URL"),
		ExportBaseURL:         os.Getenv("CLEO_EXPORT_BASE_URL"),
		ExportToken:           os.Getenv("CLEO_EXPORT_TOKEN"),
		MetricsAddr:           envOr("CLEO_METRICS_ADDR", ":9102"),
		PlanFile:              envOr("CLEO_PLAN_FILE", "lesson.json"),
		UserID:                envOr("CLEO_USER_ID", "local-learner"),
		Role:                  envOr("CLEO_USER_ROLE", "student"),
		TenantID:              os.Getenv("CLEO_TENANT_ID"),
		AutosaveInterval:      envDurationOr("CLEO_AUTOSAVE_INTERVAL", 2*time.Second),
		VoiceLimit:            envDurationOr("CLEO_VOICE_LIMIT", 15*time.Minute),
		ExamVoiceLimit:        envDurationOr("CLEO_EXAM_VOICE_LIMIT", 30*time.Minute),
		WarningThresholdRatio: envFloat64Or("CLEO_VOICE_WARNING_RATIO", 0.8),
		ReconnectMaxAttempts:  envIntOr("CLEO_RECONNECT_MAX_ATTEMPTS", 3),
		ReconnectBaseDelay:    envDurationOr("CLEO_RECONNECT_BASE_DELAY", time.Second),
		ReconnectCapDelay:     envDurationOr("CLEO_RECONNECT_CAP_DELAY", 30*time.Second),
		ShutdownGracePeriod:   envDurationOr("CLEO_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	if cfg.GatewayURL == "" {
		return Config{}, fmt.Errorf("CLEO_GATEWAY_URL must not be empty")
	}
	if cfg.WarningThresholdRatio <= 0 || cfg.WarningThresholdRatio > 1 {
		return Config{}, fmt.Errorf("CLEO_VOICE_WARNING_RATIO must be in (0, 1]")
	}
	if cfg.ReconnectMaxAttempts < 1 {
		return Config{}, fmt.Errorf("CLEO_RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

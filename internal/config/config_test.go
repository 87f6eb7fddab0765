package config

import (
	"testing"
	"time"
)

var cleoEnvKeys = []string{
	"CLEO_GATEWAY_URL",
	"CLEO_GATEWAY_TOKEN",
	"CLEO_DATABASE_URL",
	"CLEO_EXPORT_BASE_URL",
	"CLEO_EXPORT_TOKEN",
	"CLEO_METRICS_ADDR",
	"CLEO_PLAN_FILE",
	"CLEO_USER_ID",
	"CLEO_USER_ROLE",
	"CLEO_TENANT_ID",
	"CLEO_AUTOSAVE_INTERVAL",
	"CLEO_VOICE_LIMIT",
	"CLEO_EXAM_VOICE_LIMIT",
	"CLEO_VOICE_WARNING_RATIO",
	"CLEO_RECONNECT_MAX_ATTEMPTS",
	"CLEO_RECONNECT_BASE_DELAY",
	"CLEO_RECONNECT_CAP_DELAY",
	"CLEO_SHUTDOWN_GRACE_PERIOD",
}

func clearCleoEnv(t *testing.T) {
	t.Helper()
	for _, key := range cleoEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearCleoEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.GatewayURL != "ws://localhost:8080/v1/lessons/live" {
		t.Fatalf("GatewayURL = %q, want default", cfg.GatewayURL)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty (in-memory store)", cfg.DatabaseURL)
	}
	if cfg.MetricsAddr != ":9102" {
		t.Fatalf("MetricsAddr = %q, want :9102", cfg.MetricsAddr)
	}
	if cfg.UserID != "local-learner" {
		t.Fatalf("UserID = %q, want local-learner", cfg.UserID)
	}
	if cfg.Role != "student" {
		t.Fatalf("Role = %q, want student", cfg.Role)
	}
	if cfg.AutosaveInterval != 2*time.Second {
		t.Fatalf("AutosaveInterval = %v, want 2s", cfg.AutosaveInterval)
	}
	if cfg.VoiceLimit != 15*time.Minute {
		t.Fatalf("VoiceLimit = %v, want 15m", cfg.VoiceLimit)
	}
	if cfg.ExamVoiceLimit != 30*time.Minute {
		t.Fatalf("ExamVoiceLimit = %v, want 30m", cfg.ExamVoiceLimit)
	}
	if cfg.WarningThresholdRatio != 0.8 {
		t.Fatalf("WarningThresholdRatio = %v, want 0.8", cfg.WarningThresholdRatio)
	}
	if cfg.ReconnectMaxAttempts != 3 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 3", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectBaseDelay != time.Second {
		t.Fatalf("ReconnectBaseDelay = %v, want 1s", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectCapDelay != 30*time.Second {
		t.Fatalf("ReconnectCapDelay = %v, want 30s", cfg.ReconnectCapDelay)
	}
	if cfg.ShutdownGracePeriod != 10*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 10s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearCleoEnv(t)
	t.Setenv("CLEO_GATEWAY_URL", "wss://gateway.example.com/live")
	t.Setenv("CLEO_DATABASE_URL", "postgres://cleo@localhost/cleo")
	t.Setenv("CLEO_USER_ID", "learner-42")
	t.Setenv("CLEO_VOICE_LIMIT", "20m")
	t.Setenv("CLEO_VOICE_WARNING_RATIO", "0.9")
	t.Setenv("CLEO_RECONNECT_MAX_ATTEMPTS", "5")
	t.Setenv("CLEO_RECONNECT_BASE_DELAY", "500ms")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.GatewayURL != "wss://gateway.example.com/live" {
		t.Fatalf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.DatabaseURL != "postgres://cleo@localhost/cleo" {
		t.Fatalf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.UserID != "learner-42" {
		t.Fatalf("UserID = %q", cfg.UserID)
	}
	if cfg.VoiceLimit != 20*time.Minute {
		t.Fatalf("VoiceLimit = %v, want 20m", cfg.VoiceLimit)
	}
	if cfg.WarningThresholdRatio != 0.9 {
		t.Fatalf("WarningThresholdRatio = %v, want 0.9", cfg.WarningThresholdRatio)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 5", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectBaseDelay != 500*time.Millisecond {
		t.Fatalf("ReconnectBaseDelay = %v, want 500ms", cfg.ReconnectBaseDelay)
	}
}

func TestLoadFromEnv_MalformedValuesFallBack(t *testing.T) {
	clearCleoEnv(t)
	t.Setenv("CLEO_VOICE_LIMIT", "not-a-duration")
	t.Setenv("CLEO_RECONNECT_MAX_ATTEMPTS", "lots")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.VoiceLimit != 15*time.Minute {
		t.Fatalf("VoiceLimit = %v, want default 15m", cfg.VoiceLimit)
	}
	if cfg.ReconnectMaxAttempts != 3 {
		t.Fatalf("ReconnectMaxAttempts = %d, want default 3", cfg.ReconnectMaxAttempts)
	}
}

func TestLoadFromEnv_InvalidWarningRatio(t *testing.T) {
	clearCleoEnv(t)
	t.Setenv("CLEO_VOICE_WARNING_RATIO", "1.5")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("Expected error for warning ratio above 1")
	}
}

func TestLoadFromEnv_InvalidMaxAttempts(t *testing.T) {
	clearCleoEnv(t)
	t.Setenv("CLEO_RECONNECT_MAX_ATTEMPTS", "0")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("Expected error for zero reconnect attempts")
	}
}

func TestLoadFromEnv_WhitespaceTrimmed(t *testing.T) {
	clearCleoEnv(t)
	t.Setenv("CLEO_USER_ID", "  learner-7  ")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.UserID != "learner-7" {
		t.Fatalf("UserID = %q, want trimmed learner-7", cfg.UserID)
	}
}

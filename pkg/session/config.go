package session

import (
	"log/slog"
	"time"

	"github.com/cleo-edu/cleo-live/pkg/budget"
	"github.com/cleo-edu/cleo-live/pkg/grading"
	"github.com/cleo-edu/cleo-live/pkg/lesson"
	"github.com/cleo-edu/cleo-live/pkg/metrics"
	"github.com/cleo-edu/cleo-live/pkg/voice"
)

// Mode is the interaction mode of a session.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// Identity is the auth/tenancy context of the learner, passed explicitly
// rather than read from ambient globals.
type Identity struct {
	UserID   string
	Role     string
	TenantID string
}

// Config configures one lesson session.
type Config struct {
	// Identity of the learner. UserID is required.
	Identity Identity

	// Plan is the lesson being taught. Required.
	Plan *lesson.Plan

	// AutosaveInterval is the debounce window for progress autosaves.
	// Default: 2s.
	AutosaveInterval time.Duration

	// Budget configures the voice time quota.
	Budget budget.Config

	// Reconnect configures the voice reconnection policy.
	Reconnect voice.ReconnectConfig

	// Grading selects answer-grading strategies per subject.
	Grading grading.Policy

	// NavigateBack returns the user to the hosting course view after a
	// lesson pause. Optional.
	NavigateBack func()

	// Logger receives best-effort persistence failures and other
	// operational noise. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Package metrics exposes Prometheus metrics for live tutoring sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the lesson session core.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Voice connection metrics
	ReconnectsTotal     *prometheus.CounterVec
	VoiceSecondsTotal   prometheus.Counter
	BudgetLimitsReached prometheus.Counter

	// Mode metrics
	ModeSwitchesTotal *prometheus.CounterVec

	// Content metrics
	StepsCompletedTotal prometheus.Counter
	AttemptsTotal       *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cleo"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active lesson sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of lesson sessions",
		},
		[]string{"outcome"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lesson session duration in seconds",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		},
		[]string{"subject"},
	)

	reconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_reconnects_total",
			Help:      "Total voice reconnection attempts",
		},
		[]string{"outcome"},
	)

	voiceSecondsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_seconds_total",
			Help:      "Total voice time consumed across sessions",
		},
	)

	budgetLimitsReached := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_budget_limits_total",
			Help:      "Total sessions that exhausted the voice time budget",
		},
	)

	modeSwitchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_switches_total",
			Help:      "Total interaction mode switches",
		},
		[]string{"to", "reason"},
	)

	stepsCompletedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_completed_total",
			Help:      "Total lesson steps completed",
		},
	)

	attemptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total graded question attempts",
		},
		[]string{"result"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total session errors",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		reconnectsTotal,
		voiceSecondsTotal,
		budgetLimitsReached,
		modeSwitchesTotal,
		stepsCompletedTotal,
		attemptsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		ReconnectsTotal:     reconnectsTotal,
		VoiceSecondsTotal:   voiceSecondsTotal,
		BudgetLimitsReached: budgetLimitsReached,
		ModeSwitchesTotal:   modeSwitchesTotal,
		StepsCompletedTotal: stepsCompletedTotal,
		AttemptsTotal:       attemptsTotal,
		ErrorsTotal:         errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(subject, outcome string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.WithLabelValues(subject).Observe(duration.Seconds())
}

// RecordReconnect records one reconnection attempt outcome.
func (m *Metrics) RecordReconnect(outcome string) {
	m.ReconnectsTotal.WithLabelValues(outcome).Inc()
}

// RecordVoiceTime records consumed voice time.
func (m *Metrics) RecordVoiceTime(d time.Duration) {
	if d > 0 {
		m.VoiceSecondsTotal.Add(d.Seconds())
	}
}

// RecordBudgetLimit records a session hitting the voice budget limit.
func (m *Metrics) RecordBudgetLimit() {
	m.BudgetLimitsReached.Inc()
}

// RecordModeSwitch records an interaction mode switch.
func (m *Metrics) RecordModeSwitch(to, reason string) {
	m.ModeSwitchesTotal.WithLabelValues(to, reason).Inc()
}

// RecordStepCompleted records a completed lesson step.
func (m *Metrics) RecordStepCompleted() {
	m.StepsCompletedTotal.Inc()
}

// RecordAttempt records a graded attempt.
func (m *Metrics) RecordAttempt(correct bool) {
	result := "incorrect"
	if correct {
		result = "correct"
	}
	m.AttemptsTotal.WithLabelValues(result).Inc()
}

// RecordError records a session error.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

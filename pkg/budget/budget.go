// Package budget tracks connected-voice time against a per-lesson quota.
package budget

import (
	"sync"
	"time"
)

const defaultTickInterval = time.Second

// Config configures the voice time budget for one lesson visit.
type Config struct {
	// Limit is the voice quota for a regular lesson.
	Limit time.Duration `json:"limit"`

	// ExamPracticeLimit is the longer quota used for exam-practice lessons.
	ExamPracticeLimit time.Duration `json:"exam_practice_limit"`

	// WarningThresholdRatio is the fraction of the limit at which the
	// warning signal raises. Default: 0.8.
	WarningThresholdRatio float64 `json:"warning_threshold_ratio"`

	// TickInterval controls how often thresholds are re-evaluated while
	// the tracker is running. Default: 1s.
	TickInterval time.Duration `json:"tick_interval"`
}

// DefaultConfig returns the standard lesson quotas.
func DefaultConfig() Config {
	return Config{
		Limit:                 15 * time.Minute,
		ExamPracticeLimit:     30 * time.Minute,
		WarningThresholdRatio: 0.8,
		TickInterval:          defaultTickInterval,
	}
}

// LimitFor returns the quota that applies to the given lesson kind.
func (c Config) LimitFor(examPractice bool) time.Duration {
	if examPractice && c.ExamPracticeLimit > 0 {
		return c.ExamPracticeLimit
	}
	return c.Limit
}

// Tracker accumulates wall-clock voice-connected time against a fixed quota.
//
// Elapsed time only increases while the tracker is running; Pause freezes
// it and Start resumes it. Elapsed never decreases within a session.
type Tracker struct {
	mu sync.Mutex

	limit     time.Duration
	warnRatio float64
	tick      time.Duration

	accumulated  time.Duration
	runningSince time.Time
	running      bool

	warned  bool
	limited bool

	ticker *time.Ticker
	stop   chan struct{}
	closed bool

	now func() time.Time

	// Callbacks fire at most once per session: the budget is monotonic,
	// so a crossed threshold can never be re-crossed.
	onWarning func(elapsed, limit time.Duration)
	onLimit   func(elapsed, limit time.Duration)
}

// NewTracker creates a stopped tracker with the quota for the lesson kind.
func NewTracker(cfg Config, examPractice bool) *Tracker {
	if cfg.WarningThresholdRatio <= 0 || cfg.WarningThresholdRatio > 1 {
		cfg.WarningThresholdRatio = DefaultConfig().WarningThresholdRatio
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	return &Tracker{
		limit:     cfg.LimitFor(examPractice),
		warnRatio: cfg.WarningThresholdRatio,
		tick:      cfg.TickInterval,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// SetCallbacks registers the threshold callbacks. They are invoked outside
// the tracker lock.
func (t *Tracker) SetCallbacks(onWarning, onLimit func(elapsed, limit time.Duration)) {
	t.mu.Lock()
	t.onWarning = onWarning
	t.onLimit = onLimit
	t.mu.Unlock()
}

// Start begins (or resumes) accumulating elapsed time.
// Idempotent if already running.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.closed || t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.runningSince = t.now()
	startTicker := t.ticker == nil
	if startTicker {
		t.ticker = time.NewTicker(t.tick)
	}
	t.mu.Unlock()

	if startTicker {
		go t.tickLoop()
	}
	t.evaluate()
}

// Restore seeds previously accumulated voice time when resuming a saved
// session. No-op while the tracker is running.
func (t *Tracker) Restore(elapsed time.Duration) {
	t.mu.Lock()
	if t.closed || t.running || elapsed <= 0 {
		t.mu.Unlock()
		return
	}
	t.accumulated = elapsed
	t.mu.Unlock()
}

// Pause freezes the elapsed counter. Idempotent if already paused.
func (t *Tracker) Pause() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.accumulated += t.now().Sub(t.runningSince)
	t.running = false
	t.mu.Unlock()
	t.evaluate()
}

// Close stops the tracker permanently. Safe to call more than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.running {
		t.accumulated += t.now().Sub(t.runningSince)
		t.running = false
	}
	t.closed = true
	ticker := t.ticker
	t.mu.Unlock()

	close(t.stop)
	if ticker != nil {
		ticker.Stop()
	}
}

// Elapsed returns the accumulated connected-voice time.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

// Limit returns the quota in effect for this session.
func (t *Tracker) Limit() time.Duration {
	return t.limit
}

// HasReachedLimit reports whether the quota is exhausted.
func (t *Tracker) HasReachedLimit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit > 0 && t.elapsedLocked() >= t.limit
}

// ShouldShowWarning reports whether elapsed time has passed the warning
// threshold.
func (t *Tracker) ShouldShowWarning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit > 0 && t.elapsedLocked() >= t.warningAtLocked()
}

func (t *Tracker) elapsedLocked() time.Duration {
	elapsed := t.accumulated
	if t.running {
		elapsed += t.now().Sub(t.runningSince)
	}
	return elapsed
}

func (t *Tracker) warningAtLocked() time.Duration {
	return time.Duration(float64(t.limit) * t.warnRatio)
}

func (t *Tracker) tickLoop() {
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			t.evaluate()
		}
	}
}

// evaluate recomputes the derived signals and fires each crossing callback
// exactly once.
func (t *Tracker) evaluate() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	elapsed := t.elapsedLocked()

	var fireWarning, fireLimit func(elapsed, limit time.Duration)
	if t.limit > 0 {
		if !t.warned && elapsed >= t.warningAtLocked() {
			t.warned = true
			fireWarning = t.onWarning
		}
		if !t.limited && elapsed >= t.limit {
			t.limited = true
			fireLimit = t.onLimit
		}
	}
	limit := t.limit
	t.mu.Unlock()

	if fireWarning != nil {
		fireWarning(elapsed, limit)
	}
	if fireLimit != nil {
		fireLimit(elapsed, limit)
	}
}

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cleo-edu/cleo-live/pkg/store"
)

const defaultAutosaveInterval = 2 * time.Second

// saver is the debounced autosave writer. It owns a pending-snapshot
// buffer and a flush timer: rapid bursts of progress mutations collapse
// into one write, and writes for the same conversation never overlap.
//
// Writes are best-effort telemetry. A failure is logged and the snapshot
// dropped; a transient backend hiccup must never block the live lesson.
type saver struct {
	interval time.Duration
	write    func(ctx context.Context, state *store.LessonState) error
	// gate reports whether persisting is currently allowed. Checked at
	// flush time, not at offer time, so a snapshot offered while
	// disconnected is held until the next flush rather than silently
	// written in a transient state.
	gate   func() bool
	logger *slog.Logger

	mu       sync.Mutex
	pending  *store.LessonState
	timer    *time.Timer
	inFlight bool
	closed   bool
}

func newSaver(interval time.Duration, gate func() bool, write func(ctx context.Context, state *store.LessonState) error, logger *slog.Logger) *saver {
	if interval <= 0 {
		interval = defaultAutosaveInterval
	}
	return &saver{
		interval: interval,
		write:    write,
		gate:     gate,
		logger:   logger,
	}
}

// Offer buffers a snapshot for the next debounced flush. A snapshot
// offered while the timer is already armed replaces the buffered one
// without rearming, so a burst produces a single write.
func (s *saver) Offer(state *store.LessonState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = state
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, s.fire)
	}
}

func (s *saver) fire() {
	s.mu.Lock()
	s.timer = nil
	if s.closed || s.pending == nil {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		// A write is still running; try again next interval rather than
		// issuing overlapping writes.
		s.timer = time.AfterFunc(s.interval, s.fire)
		s.mu.Unlock()
		return
	}
	if !s.gate() {
		// Not allowed to persist right now (e.g. disconnected). Keep the
		// snapshot; Flush or a later Offer will retry.
		s.mu.Unlock()
		return
	}
	state := s.pending
	s.pending = nil
	s.inFlight = true
	s.mu.Unlock()

	go s.run(state)
}

func (s *saver) run(state *store.LessonState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.write(ctx, state); err != nil {
		s.logger.Warn("autosave failed", "plan_id", state.PlanID, "error", err)
	}

	s.mu.Lock()
	s.inFlight = false
	rearm := s.pending != nil && s.timer == nil && !s.closed
	if rearm {
		s.timer = time.AfterFunc(s.interval, s.fire)
	}
	s.mu.Unlock()
}

// Flush writes any pending snapshot synchronously, bypassing the debounce
// timer but still honouring the gate. Used at teardown.
func (s *saver) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.pending == nil || !s.gate() {
		s.mu.Unlock()
		return
	}
	state := s.pending
	s.pending = nil
	s.mu.Unlock()

	if err := s.write(ctx, state); err != nil {
		s.logger.Warn("final autosave failed", "plan_id", state.PlanID, "error", err)
	}
}

// Close stops the timer and drops any pending snapshot.
func (s *saver) Close() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

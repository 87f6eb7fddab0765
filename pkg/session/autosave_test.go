package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cleo-edu/cleo-live/pkg/store"
)

type writeRecorder struct {
	mu     sync.Mutex
	states []*store.LessonState
	err    error
}

func (w *writeRecorder) write(_ context.Context, state *store.LessonState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.states = append(w.states, state)
	return nil
}

func (w *writeRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.states)
}

func (w *writeRecorder) last() *store.LessonState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.states) == 0 {
		return nil
	}
	return w.states[len(w.states)-1]
}

func openGate() bool { return true }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaver_BurstCollapsesToOneWrite(t *testing.T) {
	rec := &writeRecorder{}
	sv := newSaver(30*time.Millisecond, openGate, rec.write, discardLogger())
	defer sv.Close()

	for i := 0; i < 10; i++ {
		sv.Offer(&store.LessonState{PlanID: "plan-1", ActiveStepIndex: i})
	}

	time.Sleep(100 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Errorf("Expected one write for a burst of offers, got %d", got)
	}
	if last := rec.last(); last == nil || last.ActiveStepIndex != 9 {
		t.Errorf("Expected the latest snapshot written, got %+v", last)
	}
}

func TestSaver_GateHoldsPending(t *testing.T) {
	rec := &writeRecorder{}
	var mu sync.Mutex
	allowed := false
	gate := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return allowed
	}
	sv := newSaver(20*time.Millisecond, gate, rec.write, discardLogger())
	defer sv.Close()

	sv.Offer(&store.LessonState{PlanID: "plan-1", ActiveStepIndex: 2})
	time.Sleep(60 * time.Millisecond)

	if rec.count() != 0 {
		t.Fatal("Expected no write while the gate is closed")
	}

	mu.Lock()
	allowed = true
	mu.Unlock()

	// The held snapshot goes out on the next flush.
	sv.Flush(context.Background())
	if rec.count() != 1 {
		t.Errorf("Expected the held snapshot flushed, got %d writes", rec.count())
	}
}

func TestSaver_Flush_NoPending(t *testing.T) {
	rec := &writeRecorder{}
	sv := newSaver(time.Second, openGate, rec.write, discardLogger())
	defer sv.Close()

	sv.Flush(context.Background())
	if rec.count() != 0 {
		t.Error("Expected no write when nothing is pending")
	}
}

func TestSaver_WriteFailureIsSwallowed(t *testing.T) {
	rec := &writeRecorder{err: fmt.Errorf("backend down")}
	sv := newSaver(time.Second, openGate, rec.write, discardLogger())
	defer sv.Close()

	sv.Offer(&store.LessonState{PlanID: "plan-1"})
	sv.Flush(context.Background())
	// The failure is logged, not propagated; nothing to assert beyond not
	// panicking and the snapshot being consumed.
	sv.Flush(context.Background())
	if rec.count() != 0 {
		t.Error("Expected the failed write not to be recorded")
	}
}

func TestSaver_CloseDropsPending(t *testing.T) {
	rec := &writeRecorder{}
	sv := newSaver(20*time.Millisecond, openGate, rec.write, discardLogger())

	sv.Offer(&store.LessonState{PlanID: "plan-1"})
	sv.Close()

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("Expected no write after Close")
	}

	sv.Offer(&store.LessonState{PlanID: "plan-1"})
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("Expected offers after Close to be ignored")
	}
}

func TestSaver_NoOverlappingWrites(t *testing.T) {
	var mu sync.Mutex
	active, maxActive, total := 0, 0, 0
	write := func(_ context.Context, _ *store.LessonState) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		total++
		mu.Unlock()

		time.Sleep(40 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	sv := newSaver(10*time.Millisecond, openGate, write, discardLogger())
	defer sv.Close()

	// Keep offering through several debounce intervals while the slow
	// write is in flight.
	for i := 0; i < 8; i++ {
		sv.Offer(&store.LessonState{PlanID: "plan-1", ActiveStepIndex: i})
		time.Sleep(15 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 1 {
		t.Errorf("Expected writes never to overlap, saw %d concurrent", maxActive)
	}
	if total == 0 {
		t.Error("Expected at least one write")
	}
}

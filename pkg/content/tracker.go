// Package content tracks lesson progression driven by server-pushed events.
//
// The tracker owns three derived collections: the active step index, the
// ordered set of revealed content ids, and the set of completed step ids.
// Live events may arrive duplicated or out of order; the tracker's
// monotonicity checks guarantee displayed progress never regresses.
package content

import (
	"math"
	"sort"
	"sync"
)

// Snapshot is the persistable view of lesson progression.
type Snapshot struct {
	ActiveStepIndex      int      `json:"active_step_index"`
	VisibleContentIDs    []string `json:"visible_content_ids"`
	CompletedStepIDs     []string `json:"completed_step_ids"`
	CompletionPercentage int      `json:"completion_percentage"`
}

// Tracker is the content sync state machine for one lesson visit.
//
// Reveal and step mutations are strictly monotonic; RestoreSnapshot is the
// single exception, used when resuming previously-valid persisted state.
type Tracker struct {
	mu sync.Mutex

	totalSteps int
	activeStep int

	visibleOrder []string
	visibleSet   map[string]struct{}
	completed    map[string]struct{}
	percentage   int

	// onChange fires after every mutation that changed progression state.
	// The session controller wires this into its debounced autosave.
	onChange func(Snapshot)
}

// NewTracker creates a tracker for a lesson with the given step count.
func NewTracker(totalSteps int) *Tracker {
	if totalSteps < 0 {
		totalSteps = 0
	}
	return &Tracker{
		totalSteps: totalSteps,
		visibleSet: make(map[string]struct{}),
		completed:  make(map[string]struct{}),
	}
}

// SetOnChange registers the mutation callback. It is invoked outside the
// tracker lock with a copy of the current snapshot.
func (t *Tracker) SetOnChange(fn func(Snapshot)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Reveal appends contentID to the visible set. Re-revealing an already
// visible id is a no-op, not an error.
func (t *Tracker) Reveal(contentID string) bool {
	if contentID == "" {
		return false
	}
	t.mu.Lock()
	if _, seen := t.visibleSet[contentID]; seen {
		t.mu.Unlock()
		return false
	}
	t.visibleSet[contentID] = struct{}{}
	t.visibleOrder = append(t.visibleOrder, contentID)
	snap, fn := t.snapshotLocked(), t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return true
}

// AdvanceStep moves the active step forward. Only current+1 changes the
// step; duplicate delivery of the current index is a harmless no-op, and
// anything else is ignored so late or reordered events cannot skip ahead
// or regress the step.
func (t *Tracker) AdvanceStep(stepIndex int) bool {
	t.mu.Lock()
	if stepIndex != t.activeStep+1 {
		t.mu.Unlock()
		return false
	}
	if t.totalSteps > 0 && stepIndex >= t.totalSteps {
		t.mu.Unlock()
		return false
	}
	t.activeStep = stepIndex
	snap, fn := t.snapshotLocked(), t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return true
}

// MarkStepComplete adds stepID to the completed set and recomputes the
// completion percentage. Idempotent for duplicate events.
func (t *Tracker) MarkStepComplete(stepID string) bool {
	if stepID == "" {
		return false
	}
	t.mu.Lock()
	if _, done := t.completed[stepID]; done {
		t.mu.Unlock()
		return false
	}
	t.completed[stepID] = struct{}{}
	t.recomputeLocked()
	snap, fn := t.snapshotLocked(), t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return true
}

// RestoreSnapshot bulk-sets progression from persisted state. It bypasses
// the monotonic event checks because it restores previously-valid state
// rather than processing live events. The onChange hook does not fire;
// restore never needs to re-persist what was just read.
func (t *Tracker) RestoreSnapshot(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeStep = snap.ActiveStepIndex
	if t.activeStep < 0 {
		t.activeStep = 0
	}
	t.visibleOrder = t.visibleOrder[:0]
	t.visibleSet = make(map[string]struct{}, len(snap.VisibleContentIDs))
	for _, id := range snap.VisibleContentIDs {
		if id == "" {
			continue
		}
		if _, seen := t.visibleSet[id]; seen {
			continue
		}
		t.visibleSet[id] = struct{}{}
		t.visibleOrder = append(t.visibleOrder, id)
	}
	t.completed = make(map[string]struct{}, len(snap.CompletedStepIDs))
	for _, id := range snap.CompletedStepIDs {
		if id != "" {
			t.completed[id] = struct{}{}
		}
	}
	t.recomputeLocked()
}

// Reset clears all progression back to the start of the lesson.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.activeStep = 0
	t.visibleOrder = t.visibleOrder[:0]
	t.visibleSet = make(map[string]struct{})
	t.completed = make(map[string]struct{})
	t.percentage = 0
	t.mu.Unlock()
}

// ActiveStep returns the current active step index.
func (t *Tracker) ActiveStep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeStep
}

// IsVisible reports whether the content id has been revealed.
func (t *Tracker) IsVisible(contentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.visibleSet[contentID]
	return ok
}

// CompletionPercentage returns the rounded completion percentage.
func (t *Tracker) CompletionPercentage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentage
}

// Snapshot returns a copy of the current progression state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	visible := make([]string, len(t.visibleOrder))
	copy(visible, t.visibleOrder)
	completed := make([]string, 0, len(t.completed))
	for id := range t.completed {
		completed = append(completed, id)
	}
	// Set semantics; sorted so persisted snapshots stay deterministic.
	sort.Strings(completed)
	return Snapshot{
		ActiveStepIndex:      t.activeStep,
		VisibleContentIDs:    visible,
		CompletedStepIDs:     completed,
		CompletionPercentage: t.percentage,
	}
}

func (t *Tracker) recomputeLocked() {
	if t.totalSteps <= 0 {
		t.percentage = 0
		return
	}
	t.percentage = int(math.Round(100 * float64(len(t.completed)) / float64(t.totalSteps)))
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store for tests and local development. Safe for
// concurrent use.
type Memory struct {
	mu       sync.Mutex
	states   map[string]*LessonState
	messages map[string][]Message
	attempts []Attempt
	counters map[string]int

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:   make(map[string]*LessonState),
		messages: make(map[string][]Message),
		counters: make(map[string]int),
		now:      time.Now,
	}
}

func stateKey(userID, planID string) string {
	return userID + "/" + planID
}

func (m *Memory) LoadLessonState(_ context.Context, userID, planID string) (*LessonState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stateKey(userID, planID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneState(state)
	return &cp, nil
}

func (m *Memory) SaveLessonState(_ context.Context, state *LessonState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneState(state)
	cp.UpdatedAt = m.now()
	m.states[stateKey(state.UserID, state.PlanID)] = &cp
	return nil
}

func (m *Memory) DeleteLessonState(_ context.Context, userID, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey(userID, planID))
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], cp)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) RecordAttempt(_ context.Context, attempt *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attempt
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.attempts = append(m.attempts, cp)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, userID, planID string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if a.UserID == userID && a.PlanID == planID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) IncrementModeSwitches(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[userID]++
	return m.counters[userID], nil
}

func cloneState(state *LessonState) LessonState {
	cp := *state
	cp.VisibleContentIDs = append([]string(nil), state.VisibleContentIDs...)
	cp.CompletedStepIDs = append([]string(nil), state.CompletedStepIDs...)
	if state.ConversationID != nil {
		id := *state.ConversationID
		cp.ConversationID = &id
	}
	if state.PausedAt != nil {
		t := *state.PausedAt
		cp.PausedAt = &t
	}
	if state.CompletedAt != nil {
		t := *state.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

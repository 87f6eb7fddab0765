// Package store persists lesson session state: saved lesson progress,
// conversation transcripts, question attempts, and usage counters. Two
// implementations are provided, Postgres for production and an in-memory
// store for tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// LessonState is the persisted snapshot of one learner's progress through
// one lesson plan. Keyed by (UserID, PlanID); saves are upserts.
type LessonState struct {
	UserID string
	PlanID string

	// ConversationID links the saved state to its voice conversation. Nil
	// until the first voice session is established.
	ConversationID *string

	ActiveStepIndex      int
	VisibleContentIDs    []string
	CompletedStepIDs     []string
	CompletionPercentage int

	// VoiceSecondsUsed is the accumulated voice time, so a resumed session
	// continues against the same budget.
	VoiceSecondsUsed int

	// PausedAt is set when the learner leaves mid-lesson; CompletedAt when
	// the final step finishes. At most one is meaningful for resume logic:
	// a completed lesson always restarts fresh.
	PausedAt    *time.Time
	CompletedAt *time.Time

	UpdatedAt time.Time
}

// Message is one transcript entry of a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Text           string
	CreatedAt      time.Time
}

// Attempt records one graded answer to an in-lesson question.
type Attempt struct {
	ID        string
	UserID    string
	PlanID    string
	StepID    string
	ContentID string
	Answer    string
	Correct   bool
	Score     float64
	CreatedAt time.Time
}

// LessonStateStore loads and saves lesson progress snapshots.
type LessonStateStore interface {
	// LoadLessonState returns the saved state for (userID, planID), or
	// ErrNotFound when the learner has never started this plan.
	LoadLessonState(ctx context.Context, userID, planID string) (*LessonState, error)

	// SaveLessonState upserts the snapshot.
	SaveLessonState(ctx context.Context, state *LessonState) error

	// DeleteLessonState removes the saved state, used when the learner
	// restarts a lesson from scratch.
	DeleteLessonState(ctx context.Context, userID, planID string) error
}

// MessageStore appends and lists conversation transcript messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// AttemptStore records graded question attempts.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt *Attempt) error
	ListAttempts(ctx context.Context, userID, planID string) ([]Attempt, error)
}

// CounterStore tracks per-learner usage counters.
type CounterStore interface {
	// IncrementModeSwitches bumps the voice/text mode switch counter and
	// returns the new value.
	IncrementModeSwitches(ctx context.Context, userID string) (int, error)
}

// Store is the full persistence surface the session controller needs.
type Store interface {
	LessonStateStore
	MessageStore
	AttemptStore
	CounterStore
}

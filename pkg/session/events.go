package session

import (
	"time"

	"github.com/cleo-edu/cleo-live/pkg/content"
	"github.com/cleo-edu/cleo-live/pkg/export"
	"github.com/cleo-edu/cleo-live/pkg/voice"
)

// Event is the interface for all session events delivered to the UI.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// ModeChangedEvent is emitted when the interaction mode switches between
// voice and text.
type ModeChangedEvent struct {
	From      Mode   `json:"from"`
	To        Mode   `json:"to"`
	Automatic bool   `json:"automatic,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (e *ModeChangedEvent) EventType() string { return "mode.changed" }

// ConnectionChangedEvent mirrors the voice adapter's connection state.
type ConnectionChangedEvent struct {
	State       voice.ConnState `json:"state"`
	Reconnected bool            `json:"reconnected,omitempty"`
}

func (e *ConnectionChangedEvent) EventType() string { return "connection.changed" }

// ListeningEvent tracks whether the learner is currently speaking.
type ListeningEvent struct {
	Listening bool `json:"listening"`
}

func (e *ListeningEvent) EventType() string { return "voice.listening" }

// SpeakingEvent tracks whether Cleo is currently responding.
type SpeakingEvent struct {
	Speaking bool `json:"speaking"`
}

func (e *SpeakingEvent) EventType() string { return "voice.speaking" }

// TranscriptDeltaEvent streams partial transcript text for an utterance.
type TranscriptDeltaEvent struct {
	Role  string `json:"role"`
	Delta string `json:"delta"`
}

func (e *TranscriptDeltaEvent) EventType() string { return "transcript.delta" }

// TranscriptMessageEvent is emitted when a finalized message is appended
// to the transcript.
type TranscriptMessageEvent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (e *TranscriptMessageEvent) EventType() string { return "transcript.message" }

// ContentUpdatedEvent is emitted whenever lesson progress changes: a new
// block revealed, the active step advanced, or a step completed.
type ContentUpdatedEvent struct {
	Snapshot content.Snapshot `json:"snapshot"`
}

func (e *ContentUpdatedEvent) EventType() string { return "content.updated" }

// ContentBlockUpsertEvent is emitted when a content block is added or
// merged in place.
type ContentBlockUpsertEvent struct {
	BlockID  string `json:"block_id"`
	Revealed bool   `json:"revealed,omitempty"`
}

func (e *ContentBlockUpsertEvent) EventType() string { return "content.block_upsert" }

// NoticeLevel classifies user-facing notices.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// NoticeEvent carries a short actionable user-facing message.
type NoticeEvent struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

func (e *NoticeEvent) EventType() string { return "notice" }

// BudgetWarningEvent is emitted once when voice time crosses the warning
// threshold.
type BudgetWarningEvent struct {
	Elapsed time.Duration `json:"elapsed"`
	Limit   time.Duration `json:"limit"`
}

func (e *BudgetWarningEvent) EventType() string { return "budget.warning" }

// BudgetLimitEvent is emitted once when voice time reaches the limit.
type BudgetLimitEvent struct {
	Elapsed time.Duration `json:"elapsed"`
	Limit   time.Duration `json:"limit"`
}

func (e *BudgetLimitEvent) EventType() string { return "budget.limit" }

// ResumePromptEvent asks the user to choose between resuming a paused
// lesson and restarting from scratch.
type ResumePromptEvent struct {
	PausedAt             time.Time `json:"paused_at"`
	CompletionPercentage int       `json:"completion_percentage"`
}

func (e *ResumePromptEvent) EventType() string { return "resume.prompt" }

// ResumedEvent is emitted after a saved state is applied, silently at
// mount or after the user chose to resume.
type ResumedEvent struct {
	Snapshot content.Snapshot `json:"snapshot"`
}

func (e *ResumedEvent) EventType() string { return "resume.applied" }

// AnswerGradedEvent reports the grading result for a submitted answer.
type AnswerGradedEvent struct {
	ContentID string  `json:"content_id"`
	Correct   bool    `json:"correct"`
	Score     float64 `json:"score"`
}

func (e *AnswerGradedEvent) EventType() string { return "answer.graded" }

// CompletionSummaryEvent signals that the lesson completed and carries
// the aggregate question stats, when they could be fetched.
type CompletionSummaryEvent struct {
	Stats *export.QuestionStats `json:"stats,omitempty"`
	// StatsErr is the short user-facing message when the stats fetch
	// failed; the summary is still shown with a manual retry affordance.
	StatsErr string `json:"stats_err,omitempty"`
}

func (e *CompletionSummaryEvent) EventType() string { return "lesson.completed" }

// SessionClosedEvent is emitted when the session is torn down.
type SessionClosedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *SessionClosedEvent) EventType() string { return "session.closed" }

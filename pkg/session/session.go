// Package session implements the lesson session controller: the single
// source of truth for one learner's live tutoring visit. It owns the
// interaction mode (voice or text), pause and completion lifecycle, the
// transcript, and mediates between the voice adapter, the lesson progress
// tracker, the voice time budget and external persistence.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cleo-edu/cleo-live/pkg/budget"
	"github.com/cleo-edu/cleo-live/pkg/content"
	"github.com/cleo-edu/cleo-live/pkg/export"
	"github.com/cleo-edu/cleo-live/pkg/grading"
	"github.com/cleo-edu/cleo-live/pkg/lesson"
	"github.com/cleo-edu/cleo-live/pkg/metrics"
	"github.com/cleo-edu/cleo-live/pkg/store"
	"github.com/cleo-edu/cleo-live/pkg/voice"
)

const persistTimeout = 10 * time.Second

// Session coordinates one lesson visit. All state is mutated through its
// own methods; the adapter, budget tracker and progress tracker report in
// via callbacks and never touch session state directly.
type Session struct {
	cfg     Config
	store   store.Store
	stats   export.StatsService
	logger  *slog.Logger
	metrics *metrics.Metrics

	content *content.Tracker
	budget  *budget.Tracker
	voice   *voice.Adapter
	saver   *saver

	events chan Event
	done   chan struct{}
	closed atomic.Bool

	mu             sync.Mutex
	mode           Mode
	paused         bool
	pausedAt       *time.Time
	conversationID string
	completed      bool
	startedAt      time.Time
	saved          *store.LessonState
	blocks         map[string]lesson.ContentBlock
	blockOrder     []string
	transcript     []store.Message
}

// New wires up a session for one lesson plan. The dialer opens voice
// connections; st persists progress, transcripts and attempts; stats is
// consulted at completion and may be nil.
func New(cfg Config, st store.Store, dialer voice.Dialer, stats export.StatsService) (*Session, error) {
	if cfg.Plan == nil {
		return nil, fmt.Errorf("session: lesson plan is required")
	}
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("session: user id is required")
	}
	if st == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if dialer == nil {
		return nil, fmt.Errorf("session: voice dialer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:     cfg,
		store:   st,
		stats:   stats,
		logger:  cfg.Logger.With("user_id", cfg.Identity.UserID, "plan_id", cfg.Plan.ID),
		metrics: cfg.Metrics,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		mode:    ModeVoice,
		blocks:  make(map[string]lesson.ContentBlock),
	}

	s.content = content.NewTracker(cfg.Plan.TotalSteps())
	s.content.SetOnChange(s.onProgress)

	s.budget = budget.NewTracker(cfg.Budget, cfg.Plan.ExamPractice)
	s.budget.SetCallbacks(s.onBudgetWarning, s.onBudgetLimit)

	s.saver = newSaver(cfg.AutosaveInterval, s.autosaveAllowed, s.store.SaveLessonState, s.logger)

	hello := voice.NewClientHello(cfg.Plan.ID, cfg.Plan.Topic, cfg.Plan.YearGroup)
	s.voice = voice.NewAdapter(cfg.Reconnect, dialer, s.budget, hello, voice.Callbacks{
		OnConnectionState:      s.onConnectionState,
		OnListening:            func(v bool) { s.emit(&ListeningEvent{Listening: v}) },
		OnSpeaking:             func(v bool) { s.emit(&SpeakingEvent{Speaking: v}) },
		OnTranscriptDelta:      func(role, text string) { s.emit(&TranscriptDeltaEvent{Role: role, Delta: text}) },
		OnTranscript:           s.onTranscript,
		OnContent:              s.onContentEvent,
		OnError:                s.onVoiceError,
		OnUnexpectedDisconnect: s.onUnexpectedDisconnect,
		OnTerminalFailure:      s.onTerminalFailure,
	})

	return s, nil
}

// Events is the stream of session events for the UI.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Mode returns the current interaction mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ConnectionState returns the voice connection state.
func (s *Session) ConnectionState() voice.ConnState { return s.voice.State() }

// ConversationID returns the conversation id, or empty before the first
// successful voice connect of a fresh lesson.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Progress returns the current lesson progress snapshot.
func (s *Session) Progress() content.Snapshot { return s.content.Snapshot() }

// VoiceTime returns the consumed voice time and the quota in effect.
func (s *Session) VoiceTime() (elapsed, limit time.Duration) {
	return s.budget.Elapsed(), s.budget.Limit()
}

// Transcript returns a copy of the local transcript.
func (s *Session) Transcript() []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Blocks returns the content blocks in arrival order.
func (s *Session) Blocks() []lesson.ContentBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lesson.ContentBlock, 0, len(s.blockOrder))
	for _, id := range s.blockOrder {
		out = append(out, s.blocks[id])
	}
	return out
}

// Start loads any previously saved lesson state and decides how to begin:
// a state with a pause timestamp and no completion surfaces a
// resume-or-restart prompt; a state without a pause marker (for example
// after a reload) is applied silently; anything else starts fresh.
// Voice is not connected here; call ConnectVoice when the learner is ready.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordSessionStart()
	}

	saved, err := s.store.LoadLessonState(ctx, s.cfg.Identity.UserID, s.cfg.Plan.ID)
	if err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn("loading saved lesson state failed, starting fresh", "error", err)
		}
		return nil
	}
	if saved.CompletedAt != nil {
		// A completed lesson always restarts fresh.
		return nil
	}

	if saved.PausedAt != nil {
		s.mu.Lock()
		s.saved = saved
		s.mu.Unlock()
		s.emit(&ResumePromptEvent{
			PausedAt:             *saved.PausedAt,
			CompletionPercentage: saved.CompletionPercentage,
		})
		return nil
	}

	s.applySaved(saved)
	return nil
}

// ResumeFromSaved applies the saved state offered by the resume prompt.
// No-op when no resume decision is pending.
func (s *Session) ResumeFromSaved(ctx context.Context) error {
	s.mu.Lock()
	saved := s.saved
	s.saved = nil
	s.mu.Unlock()
	if saved == nil {
		return nil
	}
	s.applySaved(saved)
	return nil
}

// RestartFromScratch discards the saved state offered by the resume
// prompt and resets progress to the beginning.
func (s *Session) RestartFromScratch(ctx context.Context) error {
	s.mu.Lock()
	s.saved = nil
	s.conversationID = ""
	s.mu.Unlock()

	if err := s.store.DeleteLessonState(ctx, s.cfg.Identity.UserID, s.cfg.Plan.ID); err != nil {
		s.logger.Warn("deleting saved lesson state failed", "error", err)
	}
	s.content.Reset()
	s.emit(&ContentUpdatedEvent{Snapshot: s.content.Snapshot()})
	return nil
}

func (s *Session) applySaved(saved *store.LessonState) {
	s.mu.Lock()
	if saved.ConversationID != nil {
		s.conversationID = *saved.ConversationID
	}
	s.paused = false
	s.pausedAt = nil
	s.mu.Unlock()

	s.budget.Restore(time.Duration(saved.VoiceSecondsUsed) * time.Second)
	snap := content.Snapshot{
		ActiveStepIndex:      saved.ActiveStepIndex,
		VisibleContentIDs:    saved.VisibleContentIDs,
		CompletedStepIDs:     saved.CompletedStepIDs,
		CompletionPercentage: saved.CompletionPercentage,
	}
	s.content.RestoreSnapshot(snap)
	s.emit(&ResumedEvent{Snapshot: s.content.Snapshot()})
}

// ConnectVoice opens the voice connection. The adapter rejects the
// request before any network activity when the budget is exhausted.
func (s *Session) ConnectVoice(ctx context.Context) error {
	return s.voice.Connect(ctx)
}

// SwitchMode changes the interaction mode. No-op when already in target.
// Switching to voice is rejected while the voice time budget is
// exhausted. A transcript message describing the transition is always
// appended, and the mode-switch counter is bumped best-effort.
func (s *Session) SwitchMode(ctx context.Context, target Mode, automatic bool) error {
	return s.switchMode(ctx, target, automatic, "")
}

func (s *Session) switchMode(ctx context.Context, target Mode, automatic bool, reason string) error {
	s.mu.Lock()
	if s.mode == target {
		s.mu.Unlock()
		return nil
	}
	if target == ModeVoice && s.budget.HasReachedLimit() {
		s.mu.Unlock()
		s.emit(&NoticeEvent{
			Level:   NoticeWarning,
			Message: "Voice time for this lesson has been used up. You can keep going in text chat.",
		})
		return voice.NewQuotaError("voice time budget exhausted")
	}
	from := s.mode
	s.mode = target
	s.mu.Unlock()

	if from == ModeVoice {
		// Best-effort teardown; Disconnect is safe when not connected.
		s.voice.Disconnect()
	}

	s.emit(&ModeChangedEvent{From: from, To: target, Automatic: automatic, Reason: reason})
	s.appendTranscript("assistant", transitionMessage(target, automatic, reason))
	s.persistAsync("mode switch counter", func(ctx context.Context) error {
		_, err := s.store.IncrementModeSwitches(ctx, s.cfg.Identity.UserID)
		return err
	})
	if s.metrics != nil {
		label := "manual"
		if automatic {
			label = "automatic"
		}
		s.metrics.RecordModeSwitch(string(target), label)
	}

	if target == ModeVoice {
		if err := s.voice.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PauseVoice disconnects the transport and marks the session paused.
// Accumulated voice time is kept.
func (s *Session) PauseVoice() {
	s.mu.Lock()
	now := time.Now().UTC()
	s.paused = true
	s.pausedAt = &now
	s.mu.Unlock()
	s.voice.Disconnect()
}

// ResumeVoice clears the pause flag and reconnects.
func (s *Session) ResumeVoice(ctx context.Context) error {
	s.mu.Lock()
	s.paused = false
	s.pausedAt = nil
	s.mu.Unlock()
	return s.voice.Connect(ctx)
}

// SendMessage sends a typed learner message. In voice mode it goes over
// the data channel; without an established transport the learner sees a
// not-connected error and nothing is appended or persisted.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	if mode == ModeVoice {
		if err := s.voice.SendUserMessage(text); err != nil {
			return err
		}
	}
	s.appendTranscript("user", text)
	return nil
}

// SubmitAnswer grades a typed answer to an in-lesson question and records
// the attempt best-effort.
func (s *Session) SubmitAnswer(ctx context.Context, contentID, answer string) (grading.Result, error) {
	s.mu.Lock()
	block, ok := s.blocks[contentID]
	s.mu.Unlock()
	if !ok {
		return grading.Result{}, fmt.Errorf("unknown content block %q", contentID)
	}
	q, err := block.AsQuestion()
	if err != nil {
		return grading.Result{}, err
	}

	result := s.cfg.Grading.StrategyFor(s.cfg.Plan.Subject).Grade(q, answer)

	s.persistAsync("attempt", func(ctx context.Context) error {
		return s.store.RecordAttempt(ctx, &store.Attempt{
			UserID:    s.cfg.Identity.UserID,
			PlanID:    s.cfg.Plan.ID,
			StepID:    block.StepID,
			ContentID: contentID,
			Answer:    answer,
			Correct:   result.Correct,
			Score:     result.Score,
		})
	})
	if s.metrics != nil {
		s.metrics.RecordAttempt(result.Correct)
	}
	s.emit(&AnswerGradedEvent{ContentID: contentID, Correct: result.Correct, Score: result.Score})
	return result, nil
}

// CompleteLesson marks the lesson finished: disconnects voice, persists
// the final state with a completion timestamp, and emits the completion
// summary with aggregate question stats. No-op without a conversation id.
func (s *Session) CompleteLesson(ctx context.Context) error {
	s.mu.Lock()
	convID := s.conversationID
	if convID == "" {
		s.mu.Unlock()
		return nil
	}
	s.completed = true
	s.mu.Unlock()

	s.voice.Disconnect()

	now := time.Now().UTC()
	state := s.lessonState(s.content.Snapshot())
	state.CompletionPercentage = 100
	state.CompletedAt = &now
	if err := s.store.SaveLessonState(ctx, state); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	s.emit(s.buildSummary(ctx, convID))
	return nil
}

// RetryCompletionStats refetches the aggregate question stats after a
// failed fetch and re-emits the completion summary.
func (s *Session) RetryCompletionStats(ctx context.Context) {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID == "" {
		return
	}
	s.emit(s.buildSummary(ctx, convID))
}

func (s *Session) buildSummary(ctx context.Context, convID string) *CompletionSummaryEvent {
	summary := &CompletionSummaryEvent{}
	if s.stats == nil {
		return summary
	}
	stats, err := s.stats.QuestionStats(ctx, convID)
	if err != nil {
		s.logger.Warn("fetching question stats failed", "conversation_id", convID, "error", err)
		summary.StatsErr = "Couldn't load your results just now. Tap to try again."
		return summary
	}
	summary.Stats = stats
	return summary
}

// PauseLesson persists the current state with a pause timestamp and
// returns the learner to the hosting page. No-op without a conversation
// id.
func (s *Session) PauseLesson(ctx context.Context) error {
	s.mu.Lock()
	if s.conversationID == "" {
		s.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	s.paused = true
	s.pausedAt = &now
	s.mu.Unlock()

	s.voice.Disconnect()

	state := s.lessonState(s.content.Snapshot())
	state.PausedAt = &now
	if err := s.store.SaveLessonState(ctx, state); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	if s.cfg.NavigateBack != nil {
		s.cfg.NavigateBack()
	}
	return nil
}

// Close tears the session down: flushes any pending autosave, disconnects
// voice, and stops the budget tracker. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Flush while the connection gate may still be open.
	s.saver.Flush(ctx)
	s.voice.Close()
	s.saver.Close()

	if s.metrics != nil {
		s.metrics.RecordVoiceTime(s.budget.Elapsed())
		s.mu.Lock()
		outcome := "abandoned"
		if s.completed {
			outcome = "completed"
		} else if s.paused {
			outcome = "paused"
		}
		startedAt := s.startedAt
		s.mu.Unlock()
		if !startedAt.IsZero() {
			s.metrics.RecordSessionEnd(s.cfg.Plan.Subject, outcome, time.Since(startedAt))
		}
	}
	s.budget.Close()

	s.emit(&SessionClosedEvent{})
	close(s.done)
	return nil
}

// autosaveAllowed is the hard gating contract for autosave writes: a
// conversation must exist and the voice connection must currently be up,
// so transient mid-reconnect state is never persisted.
func (s *Session) autosaveAllowed() bool {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	return convID != "" && s.voice.State() == voice.StateConnected
}

// onProgress fires after every progress mutation: emit to the UI and
// offer a snapshot to the debounced autosave.
func (s *Session) onProgress(snap content.Snapshot) {
	s.emit(&ContentUpdatedEvent{Snapshot: snap})
	s.saver.Offer(s.lessonState(snap))
}

func (s *Session) lessonState(snap content.Snapshot) *store.LessonState {
	s.mu.Lock()
	var convID *string
	if s.conversationID != "" {
		id := s.conversationID
		convID = &id
	}
	s.mu.Unlock()
	return &store.LessonState{
		UserID:               s.cfg.Identity.UserID,
		PlanID:               s.cfg.Plan.ID,
		ConversationID:       convID,
		ActiveStepIndex:      snap.ActiveStepIndex,
		VisibleContentIDs:    snap.VisibleContentIDs,
		CompletedStepIDs:     snap.CompletedStepIDs,
		CompletionPercentage: snap.CompletionPercentage,
		VoiceSecondsUsed:     int(s.budget.Elapsed().Seconds()),
	}
}

func (s *Session) onConnectionState(state voice.ConnState, reconnected bool) {
	if state == voice.StateConnected {
		s.mu.Lock()
		s.conversationID = s.voice.ConversationID()
		s.mu.Unlock()
		if reconnected {
			s.emit(&NoticeEvent{Level: NoticeInfo, Message: "Reconnected."})
			if s.metrics != nil {
				s.metrics.RecordReconnect("success")
			}
		} else {
			s.emit(&NoticeEvent{Level: NoticeInfo, Message: "Voice connected. Say hello!"})
		}
	}
	s.emit(&ConnectionChangedEvent{State: state, Reconnected: reconnected})
}

func (s *Session) onTranscript(role, text string) {
	s.appendTranscript(role, text)
}

// onContentEvent dispatches server-pushed content frames: block upserts
// merge in place by id, markers drive the progress tracker.
func (s *Session) onContentEvent(event voice.ServerEvent) {
	switch ev := event.(type) {
	case voice.ContentBlockEvent:
		block, err := lesson.ParseContentBlock(ev.Block)
		if err != nil {
			s.logger.Warn("dropping malformed content block", "error", err)
			return
		}
		s.upsertBlock(block, ev.Reveal)
	case voice.ContentMarkerEvent:
		s.handleMarker(ev)
	}
}

func (s *Session) upsertBlock(block lesson.ContentBlock, reveal bool) {
	s.mu.Lock()
	if existing, ok := s.blocks[block.ID]; ok {
		s.blocks[block.ID] = existing.Merge(block)
	} else {
		s.blocks[block.ID] = block
		s.blockOrder = append(s.blockOrder, block.ID)
	}
	s.mu.Unlock()

	if reveal {
		s.content.Reveal(block.ID)
	}
	s.emit(&ContentBlockUpsertEvent{BlockID: block.ID, Revealed: reveal})
}

func (s *Session) handleMarker(ev voice.ContentMarkerEvent) {
	switch ev.Kind {
	case "advance_step":
		s.content.AdvanceStep(ev.StepIndex)
	case "reveal":
		s.content.Reveal(ev.ContentID)
	case "step_complete":
		if !s.cfg.Plan.HasStep(ev.StepID) {
			s.logger.Warn("ignoring completion for unknown step", "step_id", ev.StepID)
			return
		}
		if s.content.MarkStepComplete(ev.StepID) && s.metrics != nil {
			s.metrics.RecordStepCompleted()
		}
	default:
		s.logger.Warn("ignoring unknown content marker", "kind", ev.Kind)
	}
}

func (s *Session) onVoiceError(err *voice.Error) {
	s.emit(&NoticeEvent{Level: NoticeError, Message: err.UserMessage()})
	if s.metrics != nil {
		s.metrics.RecordError(string(err.Type))
	}
}

func (s *Session) onUnexpectedDisconnect(err *voice.Error) {
	s.logger.Warn("voice connection dropped", "error", err)
	s.emit(&NoticeEvent{Level: NoticeWarning, Message: err.UserMessage()})
}

// onTerminalFailure forces the fallback to text after reconnection gives
// up; the lesson carries on.
func (s *Session) onTerminalFailure(err *voice.Error) {
	if s.metrics != nil {
		s.metrics.RecordReconnect("exhausted")
	}
	s.emit(&NoticeEvent{
		Level:   NoticeError,
		Message: "Couldn't restore the voice connection. Continuing in text chat.",
	})
	_ = s.switchMode(context.Background(), ModeText, true, "connection_lost")
}

func (s *Session) onBudgetWarning(elapsed, limit time.Duration) {
	s.emit(&BudgetWarningEvent{Elapsed: elapsed, Limit: limit})
	remaining := limit - elapsed
	s.emit(&NoticeEvent{
		Level:   NoticeWarning,
		Message: fmt.Sprintf("About %d minutes of voice time left.", int(remaining.Minutes())),
	})
}

// onBudgetLimit fires once per crossing; the switch to text is automatic
// and a planned transition, not an error.
func (s *Session) onBudgetLimit(elapsed, limit time.Duration) {
	s.emit(&BudgetLimitEvent{Elapsed: elapsed, Limit: limit})
	if s.metrics != nil {
		s.metrics.RecordBudgetLimit()
	}
	s.mu.Lock()
	inVoice := s.mode == ModeVoice
	s.mu.Unlock()
	if inVoice {
		_ = s.switchMode(context.Background(), ModeText, true, "voice_time_limit")
	}
}

// appendTranscript records a finalized message locally, emits it, and
// persists it best-effort when a conversation exists.
func (s *Session) appendTranscript(role, text string) {
	s.mu.Lock()
	convID := s.conversationID
	msg := store.Message{
		ConversationID: convID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()

	s.emit(&TranscriptMessageEvent{Role: role, Text: text})
	if convID == "" {
		return
	}
	s.persistAsync("transcript message", func(ctx context.Context) error {
		return s.store.AppendMessage(ctx, &msg)
	})
}

// persistAsync runs a best-effort write off the event path. Failures are
// logged, never surfaced to the learner and never retried inline.
func (s *Session) persistAsync(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("best-effort write failed", "op", op, "error", err)
		}
	}()
}

func (s *Session) emit(event Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- event:
	default:
		// Channel full, drop event.
	}
}

func transitionMessage(target Mode, automatic bool, reason string) string {
	switch {
	case target == ModeText && reason == "connection_lost":
		return "We lost the voice connection, so let's keep going in text. Type your answers and I'll keep helping."
	case target == ModeText && automatic:
		return "We've used up our voice time for now, so let's carry on in text. Type your answers and I'll keep helping."
	case target == ModeText:
		return "Okay, let's continue in text. Type your answer whenever you're ready."
	default:
		return "Switching back to voice. I'm listening!"
	}
}

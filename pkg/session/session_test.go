package session

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cleo-edu/cleo-live/pkg/budget"
	"github.com/cleo-edu/cleo-live/pkg/lesson"
	"github.com/cleo-edu/cleo-live/pkg/store"
	"github.com/cleo-edu/cleo-live/pkg/voice"
)

// sessionConn is a minimal scriptable voice connection.
type sessionConn struct {
	events chan voice.ServerEvent
	mu     sync.Mutex
	sent   int
	closed bool
}

func newSessionConn() *sessionConn {
	return &sessionConn{events: make(chan voice.ServerEvent, 16)}
}

func (c *sessionConn) Events() <-chan voice.ServerEvent { return c.events }

func (c *sessionConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func (c *sessionConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *sessionConn) Err() error { return nil }

type sessionDialer struct {
	mu     sync.Mutex
	conn   *sessionConn
	err    error
	convID string
	dials  int
}

func (d *sessionDialer) Dial(ctx context.Context, hello voice.ClientHello) (voice.Conn, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, "", d.err
	}
	conn := d.conn
	if conn == nil {
		conn = newSessionConn()
	}
	convID := d.convID
	if convID == "" {
		convID = "conv-1"
	}
	return conn, convID, nil
}

func testPlan() *lesson.Plan {
	return &lesson.Plan{
		ID:      "plan-1",
		Subject: "maths",
		Topic:   "algebra",
		Steps: []lesson.Step{
			{ID: "step-1", Index: 0},
			{ID: "step-2", Index: 1},
			{ID: "step-3", Index: 2},
			{ID: "step-4", Index: 3},
		},
	}
}

func testConfig() Config {
	return Config{
		Identity: Identity{UserID: "user-1"},
		Plan:     testPlan(),
		Budget: budget.Config{
			Limit:                 15 * time.Minute,
			WarningThresholdRatio: 0.8,
			TickInterval:          10 * time.Millisecond,
		},
		Reconnect: voice.ReconnectConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestSession(t *testing.T, cfg Config, dialer voice.Dialer) (*Session, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	s, err := New(cfg, mem, dialer, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mem
}

// drainEvents collects events until the channel is quiet.
func drainEvents(s *Session) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func findEvent[T Event](events []Event) (T, bool) {
	for _, ev := range events {
		if typed, ok := ev.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

func TestSession_SwitchMode_NoOpSameTarget(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), &sessionDialer{})

	if s.Mode() != ModeVoice {
		t.Fatalf("Expected initial mode voice, got %v", s.Mode())
	}
	if err := s.SwitchMode(context.Background(), ModeVoice, false); err != nil {
		t.Errorf("Expected same-target switch to be a no-op, got %v", err)
	}

	events := drainEvents(s)
	if _, ok := findEvent[*ModeChangedEvent](events); ok {
		t.Error("Expected no mode-changed event for a no-op switch")
	}
	if len(s.Transcript()) != 0 {
		t.Error("Expected no transition message for a no-op switch")
	}
}

func TestSession_SwitchMode_ToText(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), &sessionDialer{})

	if err := s.SwitchMode(context.Background(), ModeText, false); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}
	if s.Mode() != ModeText {
		t.Errorf("Expected mode text, got %v", s.Mode())
	}

	events := drainEvents(s)
	changed, ok := findEvent[*ModeChangedEvent](events)
	if !ok {
		t.Fatal("Expected a mode-changed event")
	}
	if changed.From != ModeVoice || changed.To != ModeText || changed.Automatic {
		t.Errorf("Unexpected mode-changed event: %+v", changed)
	}

	msg, ok := findEvent[*TranscriptMessageEvent](events)
	if !ok {
		t.Fatal("Expected a transcript message describing the transition")
	}
	if msg.Role != "assistant" || msg.Text == "" {
		t.Errorf("Unexpected transition message: %+v", msg)
	}
}

func TestSession_SwitchMode_RejectedWhenBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.Limit = time.Nanosecond
	s, _ := newTestSession(t, cfg, &sessionDialer{})
	s.budget.Restore(time.Minute)

	if err := s.SwitchMode(context.Background(), ModeText, false); err != nil {
		t.Fatalf("switch to text failed: %v", err)
	}
	drainEvents(s)

	err := s.SwitchMode(context.Background(), ModeVoice, false)
	if err == nil {
		t.Fatal("Expected switch to voice to be rejected when the budget is exhausted")
	}
	if verr, ok := err.(*voice.Error); !ok || verr.Type != voice.ErrQuota {
		t.Errorf("Expected quota error, got %v", err)
	}
	if s.Mode() != ModeText {
		t.Errorf("Expected mode to stay text, got %v", s.Mode())
	}

	events := drainEvents(s)
	notice, ok := findEvent[*NoticeEvent](events)
	if !ok || notice.Level != NoticeWarning {
		t.Error("Expected a warning notice explaining the rejection")
	}
}

func TestSession_SendMessage_VoiceDisconnected(t *testing.T) {
	s, mem := newTestSession(t, testConfig(), &sessionDialer{})

	err := s.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected send in voice mode without a connection to fail")
	}
	if verr, ok := err.(*voice.Error); !ok || verr.Type != voice.ErrNotConnected {
		t.Errorf("Expected not-connected error, got %v", err)
	}
	if len(s.Transcript()) != 0 {
		t.Error("Expected nothing appended to the transcript on send failure")
	}
	time.Sleep(20 * time.Millisecond)
	msgs, _ := mem.ListMessages(context.Background(), "conv-1")
	if len(msgs) != 0 {
		t.Error("Expected nothing persisted on send failure")
	}
}

func TestSession_SendMessage_TextMode(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), &sessionDialer{})
	if err := s.SwitchMode(context.Background(), ModeText, false); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}
	drainEvents(s)

	if err := s.SendMessage(context.Background(), "what is x?"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	transcript := s.Transcript()
	if len(transcript) == 0 || transcript[len(transcript)-1].Text != "what is x?" {
		t.Errorf("Expected message appended to transcript, got %+v", transcript)
	}
}

func TestSession_BudgetLimit_AutomaticSwitchToText(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.Limit = 40 * time.Millisecond
	cfg.Budget.TickInterval = 10 * time.Millisecond
	dialer := &sessionDialer{}
	s, _ := newTestSession(t, cfg, dialer)

	if err := s.ConnectVoice(context.Background()); err != nil {
		t.Fatalf("ConnectVoice failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.Mode() != ModeText {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Mode() != ModeText {
		t.Fatal("Expected automatic switch to text after the budget limit")
	}

	events := drainEvents(s)
	if _, ok := findEvent[*BudgetLimitEvent](events); !ok {
		t.Error("Expected a budget-limit event")
	}
	changed, ok := findEvent[*ModeChangedEvent](events)
	if !ok || !changed.Automatic || changed.Reason != "voice_time_limit" {
		t.Errorf("Expected an automatic voice_time_limit mode change, got %+v", changed)
	}

	// Manual switch back to voice must stay rejected.
	if err := s.SwitchMode(context.Background(), ModeVoice, false); err == nil {
		t.Error("Expected manual switch back to voice to be rejected")
	}
}

func TestSession_Start_ResumePrompt(t *testing.T) {
	mem := store.NewMemory()
	pausedAt := time.Now().Add(-time.Hour).UTC()
	convID := "conv-old"
	if err := mem.SaveLessonState(context.Background(), &store.LessonState{
		UserID:               "user-1",
		PlanID:               "plan-1",
		ConversationID:       &convID,
		ActiveStepIndex:      2,
		VisibleContentIDs:    []string{"c1", "c2"},
		CompletedStepIDs:     []string{"step-1", "step-2"},
		CompletionPercentage: 50,
		VoiceSecondsUsed:     300,
		PausedAt:             &pausedAt,
	}); err != nil {
		t.Fatalf("seeding saved state failed: %v", err)
	}

	s, err := New(testConfig(), mem, &sessionDialer{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := drainEvents(s)
	prompt, ok := findEvent[*ResumePromptEvent](events)
	if !ok {
		t.Fatal("Expected a resume prompt for paused saved state")
	}
	if prompt.CompletionPercentage != 50 {
		t.Errorf("Expected prompt completion 50, got %d", prompt.CompletionPercentage)
	}
	// Progress is untouched until the learner decides.
	if s.Progress().ActiveStepIndex != 0 {
		t.Error("Expected progress untouched before the resume decision")
	}

	if err := s.ResumeFromSaved(context.Background()); err != nil {
		t.Fatalf("ResumeFromSaved failed: %v", err)
	}
	snap := s.Progress()
	if snap.ActiveStepIndex != 2 || snap.CompletionPercentage != 50 {
		t.Errorf("Expected restored progress, got %+v", snap)
	}
	if s.ConversationID() != "conv-old" {
		t.Errorf("Expected restored conversation id, got %q", s.ConversationID())
	}
	elapsed, _ := s.VoiceTime()
	if elapsed != 5*time.Minute {
		t.Errorf("Expected restored voice time 5m, got %v", elapsed)
	}
}

func TestSession_Start_SilentApplyWithoutPauseMarker(t *testing.T) {
	mem := store.NewMemory()
	if err := mem.SaveLessonState(context.Background(), &store.LessonState{
		UserID:               "user-1",
		PlanID:               "plan-1",
		ActiveStepIndex:      1,
		VisibleContentIDs:    []string{"c1"},
		CompletedStepIDs:     []string{"step-1"},
		CompletionPercentage: 25,
	}); err != nil {
		t.Fatalf("seeding saved state failed: %v", err)
	}

	s, err := New(testConfig(), mem, &sessionDialer{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := drainEvents(s)
	if _, ok := findEvent[*ResumePromptEvent](events); ok {
		t.Error("Expected no resume prompt without a pause marker")
	}
	if _, ok := findEvent[*ResumedEvent](events); !ok {
		t.Error("Expected saved state applied silently")
	}
	if s.Progress().ActiveStepIndex != 1 {
		t.Errorf("Expected restored step 1, got %d", s.Progress().ActiveStepIndex)
	}
}

func TestSession_Start_CompletedLessonStartsFresh(t *testing.T) {
	mem := store.NewMemory()
	done := time.Now().UTC()
	if err := mem.SaveLessonState(context.Background(), &store.LessonState{
		UserID:               "user-1",
		PlanID:               "plan-1",
		CompletionPercentage: 100,
		CompletedAt:          &done,
	}); err != nil {
		t.Fatalf("seeding saved state failed: %v", err)
	}

	s, err := New(testConfig(), mem, &sessionDialer{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := drainEvents(s)
	if _, ok := findEvent[*ResumePromptEvent](events); ok {
		t.Error("Expected no resume prompt for a completed lesson")
	}
	if _, ok := findEvent[*ResumedEvent](events); ok {
		t.Error("Expected no restore for a completed lesson")
	}
	if s.Progress().ActiveStepIndex != 0 {
		t.Error("Expected fresh progress for a completed lesson")
	}
}

func TestSession_RestartFromScratch(t *testing.T) {
	mem := store.NewMemory()
	pausedAt := time.Now().UTC()
	if err := mem.SaveLessonState(context.Background(), &store.LessonState{
		UserID:               "user-1",
		PlanID:               "plan-1",
		ActiveStepIndex:      3,
		CompletionPercentage: 75,
		PausedAt:             &pausedAt,
	}); err != nil {
		t.Fatalf("seeding saved state failed: %v", err)
	}

	s, err := New(testConfig(), mem, &sessionDialer{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close(context.Background())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	drainEvents(s)

	if err := s.RestartFromScratch(context.Background()); err != nil {
		t.Fatalf("RestartFromScratch failed: %v", err)
	}
	if s.Progress().ActiveStepIndex != 0 || s.Progress().CompletionPercentage != 0 {
		t.Errorf("Expected reset progress, got %+v", s.Progress())
	}
	if _, err := mem.LoadLessonState(context.Background(), "user-1", "plan-1"); err != store.ErrNotFound {
		t.Errorf("Expected saved state deleted, got %v", err)
	}
}

func TestSession_CompleteLesson_NoOpWithoutConversation(t *testing.T) {
	s, mem := newTestSession(t, testConfig(), &sessionDialer{})

	if err := s.CompleteLesson(context.Background()); err != nil {
		t.Fatalf("CompleteLesson failed: %v", err)
	}
	events := drainEvents(s)
	if _, ok := findEvent[*CompletionSummaryEvent](events); ok {
		t.Error("Expected no completion summary without a conversation")
	}
	if _, err := mem.LoadLessonState(context.Background(), "user-1", "plan-1"); err != store.ErrNotFound {
		t.Error("Expected nothing persisted without a conversation")
	}
}

func TestSession_CompleteLesson_PersistsFinalState(t *testing.T) {
	s, mem := newTestSession(t, testConfig(), &sessionDialer{})

	if err := s.ConnectVoice(context.Background()); err != nil {
		t.Fatalf("ConnectVoice failed: %v", err)
	}
	drainEvents(s)

	if err := s.CompleteLesson(context.Background()); err != nil {
		t.Fatalf("CompleteLesson failed: %v", err)
	}

	state, err := mem.LoadLessonState(context.Background(), "user-1", "plan-1")
	if err != nil {
		t.Fatalf("loading final state failed: %v", err)
	}
	if state.CompletionPercentage != 100 {
		t.Errorf("Expected completion 100, got %d", state.CompletionPercentage)
	}
	if state.CompletedAt == nil {
		t.Error("Expected a completion timestamp")
	}

	events := drainEvents(s)
	if _, ok := findEvent[*CompletionSummaryEvent](events); !ok {
		t.Error("Expected a completion summary event")
	}
}

func TestSession_ContentMarkers_DriveProgress(t *testing.T) {
	conn := newSessionConn()
	dialer := &sessionDialer{conn: conn}
	s, _ := newTestSession(t, testConfig(), dialer)

	if err := s.ConnectVoice(context.Background()); err != nil {
		t.Fatalf("ConnectVoice failed: %v", err)
	}

	conn.events <- voice.ContentBlockEvent{Block: []byte(`{"id":"c1","step_id":"step-1","type":"question","data":{"prompt":"2+2?","answer":"4"}}`)}
	conn.events <- voice.ContentMarkerEvent{Kind: "reveal", ContentID: "c1"}
	conn.events <- voice.ContentMarkerEvent{Kind: "step_complete", StepID: "step-1"}
	conn.events <- voice.ContentMarkerEvent{Kind: "advance_step", StepIndex: 1}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.Progress().ActiveStepIndex != 1 {
		time.Sleep(10 * time.Millisecond)
	}

	snap := s.Progress()
	if snap.ActiveStepIndex != 1 {
		t.Errorf("Expected active step 1, got %d", snap.ActiveStepIndex)
	}
	if len(snap.VisibleContentIDs) != 1 || snap.VisibleContentIDs[0] != "c1" {
		t.Errorf("Expected visible content [c1], got %v", snap.VisibleContentIDs)
	}
	if snap.CompletionPercentage != 25 {
		t.Errorf("Expected completion 25, got %d", snap.CompletionPercentage)
	}

	// The question block is now answerable.
	result, err := s.SubmitAnswer(context.Background(), "c1", "4")
	if err != nil {
		t.Fatalf("SubmitAnswer failed: %v", err)
	}
	if !result.Correct {
		t.Error("Expected exact answer graded correct")
	}
}

func TestSession_SubmitAnswer_UnknownBlock(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), &sessionDialer{})
	if _, err := s.SubmitAnswer(context.Background(), "missing", "42"); err == nil {
		t.Error("Expected error for unknown content block")
	}
}

func TestSession_Close_Idempotent(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), &sessionDialer{})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Expected repeat Close to be a no-op, got %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Expected Done closed after Close")
	}
}

func TestTransitionMessage(t *testing.T) {
	tests := []struct {
		target    Mode
		automatic bool
		reason    string
		wantSub   string
	}{
		{ModeText, true, "connection_lost", "lost the voice connection"},
		{ModeText, true, "voice_time_limit", "voice time"},
		{ModeText, false, "", "text"},
		{ModeVoice, false, "", "voice"},
	}
	for _, tt := range tests {
		got := transitionMessage(tt.target, tt.automatic, tt.reason)
		if got == "" {
			t.Errorf("transitionMessage(%v, %v, %q) returned empty", tt.target, tt.automatic, tt.reason)
			continue
		}
		if !strings.Contains(strings.ToLower(got), tt.wantSub) {
			t.Errorf("transitionMessage(%v, %v, %q) = %q, want substring %q", tt.target, tt.automatic, tt.reason, got, tt.wantSub)
		}
	}
}

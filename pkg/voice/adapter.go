// Package voice owns the realtime voice/data connection for a tutoring
// session: exactly one connection at a time, translation of transport
// frames into domain callbacks, and the reconnection policy.
package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cleo-edu/cleo-live/pkg/budget"
)

// ConnState is the adapter's connection state. Exactly one state holds at
// any time; transitions are driven only by the adapter itself.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ReconnectConfig tunes the bounded exponential backoff retry policy.
type ReconnectConfig struct {
	// MaxAttempts caps automatic retries between a disconnect and the next
	// success. Default: 3.
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay is the first retry delay; each subsequent retry doubles it.
	// Default: 1s.
	BaseDelay time.Duration `json:"base_delay"`

	// CapDelay bounds the backoff growth. Default: 30s.
	CapDelay time.Duration `json:"cap_delay"`

	// SettleDelay is waited after tearing down a prior connection before
	// dialing a new one, to avoid races on rapid reconnect. Default: 500ms.
	SettleDelay time.Duration `json:"settle_delay"`
}

// DefaultReconnectConfig returns the standard retry policy.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		CapDelay:    30 * time.Second,
		SettleDelay: 500 * time.Millisecond,
	}
}

// Callbacks are how the adapter reports to the session controller.
// Errors cross this boundary as values, never as panics or returns from
// transport goroutines.
type Callbacks struct {
	// OnConnectionState fires on every state transition. Reconnected is
	// true when the connected state was reached by the retry loop rather
	// than a first connect.
	OnConnectionState func(state ConnState, reconnected bool)

	// OnListening tracks the learner speech flag (speech_started/stopped).
	OnListening func(listening bool)

	// OnSpeaking tracks Cleo's response flag (response_started/done).
	OnSpeaking func(speaking bool)

	// OnTranscriptDelta streams partial transcript text for an utterance.
	OnTranscriptDelta func(role, text string)

	// OnTranscript delivers a finalized utterance transcript.
	OnTranscript func(role, text string)

	// OnContent forwards content_block and content_marker events.
	OnContent func(event ServerEvent)

	// OnError surfaces a non-fatal session error to the user.
	OnError func(err *Error)

	// OnUnexpectedDisconnect fires when the transport drops without a
	// deliberate Disconnect; carries diagnostic info.
	OnUnexpectedDisconnect func(err *Error)

	// OnTerminalFailure fires exactly once when automatic retries are
	// exhausted or hit a non-retryable error.
	OnTerminalFailure func(err *Error)
}

// Adapter owns one realtime voice connection and its retry policy.
type Adapter struct {
	cfg    ReconnectConfig
	dialer Dialer
	budget *budget.Tracker
	cb     Callbacks

	mu             sync.Mutex
	ctx            context.Context
	state          ConnState
	conn           Conn
	gen            int
	desired        bool
	attempts       int
	retrying       bool
	terminalValid  bool
	conversationID string
	hello          ClientHello
	partial        map[string]*strings.Builder

	sleep func(time.Duration)
}

// NewAdapter creates an idle adapter. The hello carries the lesson context
// for the gateway; its conversation id is updated after the first connect
// so later dials resume the same conversation.
func NewAdapter(cfg ReconnectConfig, dialer Dialer, tracker *budget.Tracker, hello ClientHello, cb Callbacks) *Adapter {
	def := DefaultReconnectConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.CapDelay <= 0 {
		cfg.CapDelay = def.CapDelay
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	return &Adapter{
		cfg:     cfg,
		dialer:  dialer,
		budget:  tracker,
		cb:      cb,
		state:   StateIdle,
		hello:   hello,
		partial: make(map[string]*strings.Builder),
		sleep:   time.Sleep,
	}
}

// State returns the current connection state.
func (a *Adapter) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ConversationID returns the conversation id established by the gateway,
// or empty before the first successful connect.
func (a *Adapter) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversationID
}

// AttemptCount returns the current reconnection attempt count.
func (a *Adapter) AttemptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// Connect establishes the voice connection. No-op when already connecting
// or connected. Rejected before any network activity when the voice time
// budget is exhausted.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateConnecting || a.state == StateConnected {
		a.mu.Unlock()
		return nil
	}
	if a.budget != nil && a.budget.HasReachedLimit() {
		notify := a.setStateLocked(StateDisconnected, false)
		a.mu.Unlock()
		runNotify(notify)
		return NewQuotaError("voice time budget exhausted")
	}
	a.ctx = ctx
	a.desired = true
	a.terminalValid = true
	notify := a.setStateLocked(StateConnecting, false)
	a.mu.Unlock()
	runNotify(notify)

	return a.dialOnce(false)
}

// Disconnect tears down the transport unconditionally. Safe to call when
// already disconnected. A deliberate disconnect never raises the
// unexpected-disconnection signal and makes any scheduled retry a no-op.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.desired = false
	a.attempts = 0
	old := a.conn
	a.conn = nil
	a.gen++
	var notify func()
	if a.state != StateIdle {
		notify = a.setStateLocked(StateDisconnected, false)
	}
	a.mu.Unlock()
	runNotify(notify)

	if a.budget != nil {
		a.budget.Pause()
	}
	a.emitListening(false)
	a.emitSpeaking(false)
	if old != nil {
		_ = old.Close()
	}
}

// ReconnectNow retries immediately, bypassing the backoff delay. It is
// still subject to the retry reentrancy guard and the attempt ceiling.
// A failed manual attempt does not resume the automatic backoff loop:
// the error is returned and further retries are left to the caller.
func (a *Adapter) ReconnectNow() error {
	a.mu.Lock()
	if a.retrying || a.state == StateConnecting || a.state == StateConnected {
		a.mu.Unlock()
		return nil
	}
	if a.attempts >= a.cfg.MaxAttempts {
		a.mu.Unlock()
		return NewConnectionError("reconnect attempts exhausted", nil)
	}
	if a.budget != nil && a.budget.HasReachedLimit() {
		a.mu.Unlock()
		return NewQuotaError("voice time budget exhausted")
	}
	a.desired = true
	a.terminalValid = true
	a.retrying = true
	a.attempts++
	notify := a.setStateLocked(StateReconnecting, false)
	a.mu.Unlock()
	runNotify(notify)

	err := a.dialOnce(true)
	a.mu.Lock()
	a.retrying = false
	a.mu.Unlock()
	return err
}

// SendUserMessage sends a typed message over the established data channel.
// Without a connection it surfaces a not-connected error to the user and
// returns it; nothing is sent or persisted.
func (a *Adapter) SendUserMessage(text string) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.state == StateConnected
	a.mu.Unlock()

	if !connected || conn == nil {
		err := NewNotConnectedError()
		a.emitError(err)
		return err
	}
	if err := conn.Send(ClientUserMessage{Type: "user_message", Text: text}); err != nil {
		if verr, ok := err.(*Error); ok {
			a.emitError(verr)
			return verr
		}
		verr := NewConnectionError("send user message", err)
		a.emitError(verr)
		return verr
	}
	return nil
}

// Close releases the adapter. Equivalent to Disconnect for an open
// connection.
func (a *Adapter) Close() {
	a.Disconnect()
}

// dialOnce tears down any prior connection, waits the settle delay, and
// performs one dial attempt. reattempt marks retry-loop dials so the
// connected notification can distinguish reconnects.
func (a *Adapter) dialOnce(reattempt bool) error {
	a.mu.Lock()
	old := a.conn
	a.conn = nil
	hello := a.hello
	hello.ConversationID = a.conversationID
	ctx := a.ctx
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
		if a.cfg.SettleDelay > 0 {
			a.sleep(a.cfg.SettleDelay)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	conn, conversationID, err := a.dialer.Dial(ctx, hello)
	if err != nil {
		a.handleDialFailure(err)
		return err
	}

	a.mu.Lock()
	if !a.desired {
		// A disconnect superseded this attempt while the dial was in
		// flight; discard the fresh connection.
		a.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	a.conn = conn
	a.gen++
	gen := a.gen
	if conversationID != "" {
		a.conversationID = conversationID
	}
	a.attempts = 0
	a.terminalValid = true
	notify := a.setStateLocked(StateConnected, reattempt)
	a.mu.Unlock()
	runNotify(notify)

	if a.budget != nil {
		a.budget.Start()
	}
	go a.readLoop(conn, gen)
	return nil
}

func (a *Adapter) handleDialFailure(err error) {
	verr, ok := err.(*Error)
	if !ok {
		verr = NewConnectionError("connect failed", err)
	}

	if !verr.IsRetryable() {
		a.mu.Lock()
		notify := a.setStateLocked(StateDisconnected, false)
		a.mu.Unlock()
		runNotify(notify)
		a.emitError(verr)
		return
	}

	a.emitError(verr)
	a.scheduleRetry(verr)
}

// readLoop consumes events from one connection until it ends. gen guards
// against a stale loop touching state owned by a newer connection.
func (a *Adapter) readLoop(conn Conn, gen int) {
	for event := range conn.Events() {
		a.handleEvent(event)
	}
	a.onConnEnded(conn, gen)
}

func (a *Adapter) onConnEnded(conn Conn, gen int) {
	a.mu.Lock()
	if gen != a.gen || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	deliberate := !a.desired
	a.mu.Unlock()

	if a.budget != nil {
		a.budget.Pause()
	}
	a.emitListening(false)
	a.emitSpeaking(false)

	if deliberate {
		return
	}

	readErr := conn.Err()
	verr, ok := readErr.(*Error)
	if !ok {
		verr = NewConnectionError("connection closed unexpectedly", readErr)
	}
	if a.cb.OnUnexpectedDisconnect != nil {
		a.cb.OnUnexpectedDisconnect(verr)
	}

	if !verr.IsRetryable() {
		a.mu.Lock()
		notify := a.setStateLocked(StateDisconnected, false)
		a.mu.Unlock()
		runNotify(notify)
		a.emitError(verr)
		return
	}
	a.scheduleRetry(verr)
}

// scheduleRetry runs the bounded backoff loop. The reentrancy guard keeps
// a single in-flight retry loop regardless of how many failures race here.
func (a *Adapter) scheduleRetry(cause *Error) {
	a.mu.Lock()
	if a.retrying || !a.desired {
		a.mu.Unlock()
		return
	}
	if a.attempts >= a.cfg.MaxAttempts {
		a.mu.Unlock()
		a.notifyTerminal(cause)
		return
	}
	a.retrying = true
	notify := a.setStateLocked(StateReconnecting, false)
	a.mu.Unlock()
	runNotify(notify)

	go a.retryLoop(cause)
}

func (a *Adapter) retryLoop(cause *Error) {
	defer func() {
		a.mu.Lock()
		a.retrying = false
		a.mu.Unlock()
	}()

	for {
		a.mu.Lock()
		if !a.desired {
			a.mu.Unlock()
			return
		}
		if a.attempts >= a.cfg.MaxAttempts {
			a.mu.Unlock()
			a.notifyTerminal(cause)
			return
		}
		delay := backoffDelay(a.cfg.BaseDelay, a.cfg.CapDelay, a.attempts)
		a.attempts++
		a.mu.Unlock()

		a.sleep(delay)

		// A disconnect while we slept supersedes this attempt.
		a.mu.Lock()
		if !a.desired {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		err := a.dialOnce(true)
		if err == nil {
			return
		}
		verr, ok := err.(*Error)
		if ok && !verr.IsRetryable() {
			// handleDialFailure already surfaced it and set disconnected.
			return
		}
		if !ok {
			verr = NewConnectionError("connect failed", err)
		}
		cause = verr
	}
}

// notifyTerminal raises the terminal failure signal at most once per
// connect episode and stops automatic retrying.
func (a *Adapter) notifyTerminal(cause *Error) {
	a.mu.Lock()
	if !a.terminalValid {
		a.mu.Unlock()
		return
	}
	a.terminalValid = false
	notify := a.setStateLocked(StateDisconnected, false)
	a.mu.Unlock()
	runNotify(notify)

	if a.cb.OnTerminalFailure != nil {
		a.cb.OnTerminalFailure(cause)
	}
}

// handleEvent translates one transport frame into domain callbacks.
func (a *Adapter) handleEvent(event ServerEvent) {
	switch ev := event.(type) {
	case SpeechStartedEvent:
		a.emitListening(true)
	case SpeechStoppedEvent:
		a.emitListening(false)
	case ResponseStartedEvent:
		a.emitSpeaking(true)
	case ResponseDoneEvent:
		a.emitSpeaking(false)
	case TranscriptDeltaEvent:
		a.appendPartial(ev.Role, ev.Text)
		if a.cb.OnTranscriptDelta != nil {
			a.cb.OnTranscriptDelta(ev.Role, ev.Text)
		}
	case TranscriptDoneEvent:
		text := ev.Text
		if accumulated := a.takePartial(ev.Role); text == "" {
			text = accumulated
		}
		if text != "" && a.cb.OnTranscript != nil {
			a.cb.OnTranscript(ev.Role, text)
		}
	case ContentBlockEvent, ContentMarkerEvent:
		if a.cb.OnContent != nil {
			a.cb.OnContent(event)
		}
	case ErrorEvent:
		// Server-side errors are surfaced but do not necessarily end the
		// connection; a fatal error shows up as a read failure next.
		a.emitError(classifyServerError(ev))
	case SessionCreatedEvent, UnknownEvent:
		// session_created is consumed during the handshake; unknown frame
		// kinds are ignored for forward compatibility.
	}
}

func (a *Adapter) appendPartial(role, text string) {
	a.mu.Lock()
	b := a.partial[role]
	if b == nil {
		b = &strings.Builder{}
		a.partial[role] = b
	}
	b.WriteString(text)
	a.mu.Unlock()
}

func (a *Adapter) takePartial(role string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.partial[role]
	if b == nil {
		return ""
	}
	delete(a.partial, role)
	return b.String()
}

// setStateLocked records the transition and returns the notification to
// run after the lock is released, preserving callback ordering.
func (a *Adapter) setStateLocked(state ConnState, reconnected bool) func() {
	if a.state == state {
		return nil
	}
	a.state = state
	if a.cb.OnConnectionState == nil {
		return nil
	}
	cb := a.cb.OnConnectionState
	return func() { cb(state, reconnected) }
}

func runNotify(fn func()) {
	if fn != nil {
		fn()
	}
}

func (a *Adapter) emitListening(listening bool) {
	if a.cb.OnListening != nil {
		a.cb.OnListening(listening)
	}
}

func (a *Adapter) emitSpeaking(speaking bool) {
	if a.cb.OnSpeaking != nil {
		a.cb.OnSpeaking(speaking)
	}
}

func (a *Adapter) emitError(err *Error) {
	if a.cb.OnError != nil {
		a.cb.OnError(err)
	}
}

func backoffDelay(base, capDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= capDelay {
			return capDelay
		}
	}
	if delay > capDelay {
		return capDelay
	}
	return delay
}

package voice

import "fmt"

// ErrorType categorizes transport errors for the retry policy.
type ErrorType string

const (
	// ErrConnection covers transient network/transport failures. Retryable.
	ErrConnection ErrorType = "connection_error"
	// ErrAuthentication covers credential failures. Never retried.
	ErrAuthentication ErrorType = "authentication_error"
	// ErrQuota covers account/usage limits raised by the gateway. Never retried.
	ErrQuota ErrorType = "quota_error"
	// ErrNotConnected is the local validation error for sends without an
	// established transport.
	ErrNotConnected ErrorType = "not_connected_error"
	// ErrProtocol covers malformed or unexpected frames.
	ErrProtocol ErrorType = "protocol_error"
)

// Error is a transport error carrying the taxonomy the session controller
// and retry policy act on. User-facing text comes from UserMessage, never
// from raw transport payloads.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the reconnection policy may retry after this
// error.
func (e *Error) IsRetryable() bool {
	return e != nil && e.Type == ErrConnection
}

// UserMessage returns a short actionable message suitable for the learner.
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	switch e.Type {
	case ErrConnection:
		return "Voice connection lost. Trying to reconnect..."
	case ErrAuthentication:
		return "Couldn't authorise the voice session. Please sign in again."
	case ErrQuota:
		return "Voice time for this lesson has been used up. You can keep going in text chat."
	case ErrNotConnected:
		return "You're not connected to voice chat. Connect first or use text chat."
	default:
		return "Something went wrong with the voice session. Please try again."
	}
}

// NewConnectionError wraps a transient transport failure.
func NewConnectionError(message string, err error) *Error {
	return &Error{Type: ErrConnection, Message: message, Err: err}
}

// NewAuthenticationError creates a non-retryable credential error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewQuotaError creates a non-retryable quota error.
func NewQuotaError(message string) *Error {
	return &Error{Type: ErrQuota, Message: message}
}

// NewNotConnectedError creates the send-without-connection validation error.
func NewNotConnectedError() *Error {
	return &Error{Type: ErrNotConnected, Message: "no established voice transport"}
}

// NewProtocolError wraps a malformed-frame failure.
func NewProtocolError(message string, err error) *Error {
	return &Error{Type: ErrProtocol, Message: message, Err: err}
}

// classifyServerError maps gateway error codes onto the taxonomy.
func classifyServerError(ev ErrorEvent) *Error {
	switch ev.Code {
	case "unauthorized", "invalid_token", "forbidden":
		return &Error{Type: ErrAuthentication, Message: ev.Message, Code: ev.Code}
	case "quota_exceeded", "rate_limited":
		return &Error{Type: ErrQuota, Message: ev.Message, Code: ev.Code}
	default:
		return &Error{Type: ErrConnection, Message: ev.Message, Code: ev.Code}
	}
}

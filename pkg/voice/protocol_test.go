package voice

import (
	"testing"
)

func TestDecodeServerEvent(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"session created", `{"type":"session_created","conversation_id":"conv-1"}`, "session_created"},
		{"speech started", `{"type":"speech_started"}`, "speech_started"},
		{"transcript delta", `{"type":"transcript_delta","role":"user","text":"hel"}`, "transcript_delta"},
		{"content marker", `{"type":"content_marker","kind":"advance_step","step_index":2}`, "content_marker"},
		{"content block", `{"type":"content_block","block":{"id":"b1","type":"text"},"reveal":true}`, "content_block"},
		{"error frame", `{"type":"error","code":"rate_limited","message":"slow down"}`, "error"},
		{"unknown kind kept", `{"type":"future_thing","x":1}`, "future_thing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeServerEvent([]byte(tt.data))
			if err != nil {
				t.Fatalf("decodeServerEvent failed: %v", err)
			}
			if got := ev.serverEventType(); got != tt.want {
				t.Errorf("Expected event type %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecodeServerEvent_Fields(t *testing.T) {
	ev, err := decodeServerEvent([]byte(`{"type":"session_created","conversation_id":"conv-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	created, ok := ev.(SessionCreatedEvent)
	if !ok {
		t.Fatalf("Expected SessionCreatedEvent, got %T", ev)
	}
	if created.ConversationID != "conv-1" {
		t.Errorf("Expected conversation id conv-1, got %q", created.ConversationID)
	}

	ev, err = decodeServerEvent([]byte(`{"type":"content_marker","kind":"step_complete","step_id":"s3"}`))
	if err != nil {
		t.Fatal(err)
	}
	marker := ev.(ContentMarkerEvent)
	if marker.Kind != "step_complete" || marker.StepID != "s3" {
		t.Errorf("Unexpected marker %+v", marker)
	}
}

func TestDecodeServerEvent_Invalid(t *testing.T) {
	if _, err := decodeServerEvent([]byte(`{}`)); err == nil {
		t.Error("Expected missing type to be rejected")
	}
	if _, err := decodeServerEvent([]byte(`garbage`)); err == nil {
		t.Error("Expected malformed JSON to be rejected")
	}
}

func TestClassifyServerError(t *testing.T) {
	tests := []struct {
		code string
		want ErrorType
	}{
		{"unauthorized", ErrAuthentication},
		{"invalid_token", ErrAuthentication},
		{"quota_exceeded", ErrQuota},
		{"rate_limited", ErrQuota},
		{"upstream_timeout", ErrConnection},
	}
	for _, tt := range tests {
		err := classifyServerError(ErrorEvent{Code: tt.code, Message: "m"})
		if err.Type != tt.want {
			t.Errorf("classifyServerError(%q) = %v, want %v", tt.code, err.Type, tt.want)
		}
	}
}

func TestError_IsRetryable(t *testing.T) {
	if !NewConnectionError("boom", nil).IsRetryable() {
		t.Error("Expected connection errors to be retryable")
	}
	if NewAuthenticationError("denied").IsRetryable() {
		t.Error("Expected auth errors not to be retryable")
	}
	if NewQuotaError("over").IsRetryable() {
		t.Error("Expected quota errors not to be retryable")
	}
	if NewNotConnectedError().IsRetryable() {
		t.Error("Expected not-connected errors not to be retryable")
	}
}

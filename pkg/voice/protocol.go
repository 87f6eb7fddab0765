package voice

import (
	"encoding/json"
	"fmt"
	"strings"
)

const protocolVersion1 = "1"

// ClientHello opens a tutoring voice session. When ConversationID is set,
// the gateway resumes the existing conversation instead of creating one.
type ClientHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ConversationID  string `json:"conversation_id,omitempty"`
	LessonPlanID    string `json:"lesson_plan_id,omitempty"`
	Topic           string `json:"topic,omitempty"`
	YearGroup       string `json:"year_group,omitempty"`
}

// NewClientHello builds the opening frame for a lesson voice session.
func NewClientHello(lessonPlanID, topic, yearGroup string) ClientHello {
	return ClientHello{
		Type:            "hello",
		ProtocolVersion: protocolVersion1,
		LessonPlanID:    lessonPlanID,
		Topic:           topic,
		YearGroup:       yearGroup,
	}
}

// ClientUserMessage carries a typed user message over the data channel.
type ClientUserMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientControl carries session control requests (for example "end_session").
type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// ServerEvent is the tagged union of inbound frames the adapter understands.
// New frame kinds are added here so dispatch stays exhaustively matched.
type ServerEvent interface {
	serverEventType() string
}

// SessionCreatedEvent acknowledges the hello and carries the conversation id.
type SessionCreatedEvent struct {
	ConversationID string `json:"conversation_id"`
}

func (SessionCreatedEvent) serverEventType() string { return "session_created" }

// SpeechStartedEvent signals the learner has started speaking.
type SpeechStartedEvent struct{}

func (SpeechStartedEvent) serverEventType() string { return "speech_started" }

// SpeechStoppedEvent signals the learner has stopped speaking.
type SpeechStoppedEvent struct{}

func (SpeechStoppedEvent) serverEventType() string { return "speech_stopped" }

// TranscriptDeltaEvent carries a partial transcript for one utterance.
type TranscriptDeltaEvent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (TranscriptDeltaEvent) serverEventType() string { return "transcript_delta" }

// TranscriptDoneEvent finalizes one utterance's transcript.
type TranscriptDoneEvent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (TranscriptDoneEvent) serverEventType() string { return "transcript_done" }

// ResponseStartedEvent signals Cleo has started speaking.
type ResponseStartedEvent struct{}

func (ResponseStartedEvent) serverEventType() string { return "response_started" }

// ResponseDoneEvent signals Cleo has finished speaking.
type ResponseDoneEvent struct{}

func (ResponseDoneEvent) serverEventType() string { return "response_done" }

// ContentBlockEvent carries a server-pushed lesson content block.
// Reveal requests the block be made visible immediately on upsert.
type ContentBlockEvent struct {
	Block  json.RawMessage `json:"block"`
	Reveal bool            `json:"reveal,omitempty"`
}

func (ContentBlockEvent) serverEventType() string { return "content_block" }

// ContentMarkerEvent is a lesson-progression marker: step changes,
// reveal-by-id and step completion.
type ContentMarkerEvent struct {
	Kind      string `json:"kind"` // "advance_step", "reveal", "step_complete"
	StepIndex int    `json:"step_index,omitempty"`
	StepID    string `json:"step_id,omitempty"`
	ContentID string `json:"content_id,omitempty"`
}

func (ContentMarkerEvent) serverEventType() string { return "content_marker" }

// ErrorEvent carries a server-side error. Not every error terminates the
// connection; the adapter decides based on the code.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorEvent) serverEventType() string { return "error" }

// UnknownEvent preserves frames of a type this client does not understand.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) serverEventType() string { return e.Type }

// decodeServerEvent decodes one inbound text frame into the event union.
func decodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("frame missing type")
	}

	switch typ {
	case "session_created":
		var ev SessionCreatedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode session_created: %w", err)
		}
		return ev, nil
	case "speech_started":
		return SpeechStartedEvent{}, nil
	case "speech_stopped":
		return SpeechStoppedEvent{}, nil
	case "transcript_delta":
		var ev TranscriptDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode transcript_delta: %w", err)
		}
		return ev, nil
	case "transcript_done":
		var ev TranscriptDoneEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode transcript_done: %w", err)
		}
		return ev, nil
	case "response_started":
		return ResponseStartedEvent{}, nil
	case "response_done":
		return ResponseDoneEvent{}, nil
	case "content_block":
		var ev ContentBlockEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode content_block: %w", err)
		}
		return ev, nil
	case "content_marker":
		var ev ContentMarkerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode content_marker: %w", err)
		}
		return ev, nil
	case "error":
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return ev, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

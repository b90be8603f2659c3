package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream event discriminators carried in the "event" field.
const (
	EventToken       = "token"
	EventToolStep    = "tool_step"
	EventOutput      = "output"
	EventLog         = "log"
	EventUserMessage = "user_message"
	EventSignalSend  = "signal_send"
	EventSignalRecv  = "signal_recv"
)

type (
	// StreamEvent is implemented by every event variant published on a
	// conversation's egress topic. Events are immutable once constructed and
	// safe to marshal concurrently.
	StreamEvent interface {
		// Event returns the discriminator stored in the "event" field.
		Event() string
		// Conversation returns the conversation the event belongs to.
		Conversation() string
	}

	// EventBase holds the fields shared by all stream events.
	EventBase struct {
		ID             string    `json:"id"`
		ConversationID string    `json:"conversation_id"`
		CreatedAt      time.Time `json:"created_at"`
	}

	// TokenEvent carries a partial text fragment of the assistant reply.
	// Index is monotonically increasing within a run; concatenating Text in
	// Index order reconstructs the terminal OutputEvent text.
	TokenEvent struct {
		EventBase
		Text  string `json:"text"`
		Index int    `json:"index"`
	}

	// ToolStepEvent records a tool invocation or completion. Completions
	// carry ResultSummary.
	ToolStepEvent struct {
		EventBase
		Name          string         `json:"name"`
		Args          map[string]any `json:"args,omitempty"`
		ResultSummary string         `json:"result_summary,omitempty"`
	}

	// OutputEvent is the terminal event of a run: the full assistant reply
	// plus optional usage accounting.
	OutputEvent struct {
		EventBase
		Text  string         `json:"text"`
		Usage map[string]any `json:"usage,omitempty"`
	}

	// LogEvent is an optional diagnostic passthrough surfaced to stream
	// observers alongside the run events.
	LogEvent struct {
		EventBase
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}

	// UserMessageEvent mirrors an accepted inbound message onto the egress
	// topic so that all stream subscribers see the user's side of the
	// conversation, not just the agent's.
	UserMessageEvent struct {
		EventBase
		Sender string `json:"sender"`
		Text   string `json:"text"`
	}

	// SignalEvent is the visibility record published on a conversation
	// stream when a signal is sent or received on its behalf. It carries
	// the topic, cursor and payload length only, never the payload itself.
	SignalEvent struct {
		EventBase
		Kind       string `json:"-"`
		Topic      string `json:"topic"`
		Cursor     string `json:"cursor,omitempty"`
		PayloadLen int    `json:"payload_len"`
	}

	// GenericEvent preserves events with an unknown discriminator so that
	// readers forward them untouched instead of failing the stream.
	GenericEvent struct {
		Kind   string
		Fields json.RawMessage
	}
)

func newBase(conversationID string) EventBase {
	return EventBase{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}

// Conversation implements StreamEvent for all variants embedding EventBase.
func (b EventBase) Conversation() string { return b.ConversationID }

func (TokenEvent) Event() string       { return EventToken }
func (ToolStepEvent) Event() string    { return EventToolStep }
func (OutputEvent) Event() string      { return EventOutput }
func (LogEvent) Event() string         { return EventLog }
func (UserMessageEvent) Event() string { return EventUserMessage }

func (e SignalEvent) Event() string { return e.Kind }

func (e GenericEvent) Event() string        { return e.Kind }
func (e GenericEvent) Conversation() string { return "" }

// NewToken constructs a token event for the given run fragment.
func NewToken(conversationID, text string, index int) *TokenEvent {
	return &TokenEvent{EventBase: newBase(conversationID), Text: text, Index: index}
}

// NewToolStep constructs a tool step event. Pass a non-empty summary for
// completions.
func NewToolStep(conversationID, name string, args map[string]any, summary string) *ToolStepEvent {
	return &ToolStepEvent{EventBase: newBase(conversationID), Name: name, Args: args, ResultSummary: summary}
}

// NewOutput constructs the terminal event of a run.
func NewOutput(conversationID, text string, usage map[string]any) *OutputEvent {
	return &OutputEvent{EventBase: newBase(conversationID), Text: text, Usage: usage}
}

// NewLog constructs a diagnostic event.
func NewLog(conversationID, level, component, message string) *LogEvent {
	return &LogEvent{EventBase: newBase(conversationID), Level: level, Component: component, Message: message}
}

// NewUserMessage constructs the stream mirror of an inbound envelope.
func NewUserMessage(conversationID, sender, text string) *UserMessageEvent {
	return &UserMessageEvent{EventBase: newBase(conversationID), Sender: sender, Text: text}
}

// NewSignal constructs a signal visibility event. kind must be
// EventSignalSend or EventSignalRecv.
func NewSignal(kind, conversationID, topic, cursor string, payloadLen int) *SignalEvent {
	return &SignalEvent{EventBase: newBase(conversationID), Kind: kind, Topic: topic, Cursor: cursor, PayloadLen: payloadLen}
}

// MarshalEvent serializes an event to its compact wire form with the "event"
// discriminator injected. GenericEvent round-trips its original fields.
func MarshalEvent(ev StreamEvent) ([]byte, error) {
	if g, ok := ev.(GenericEvent); ok {
		return injectKind(g.Fields, g.Kind)
	}
	if g, ok := ev.(*GenericEvent); ok {
		return injectKind(g.Fields, g.Kind)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return injectKind(raw, ev.Event())
}

// UnmarshalEvent decodes a wire payload into its typed variant. Unknown
// discriminators yield a GenericEvent preserving the raw fields; only
// malformed JSON or a missing discriminator is an error.
func UnmarshalEvent(data []byte) (StreamEvent, error) {
	var tag struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	if tag.Event == "" {
		return nil, fmt.Errorf("stream event missing discriminator")
	}
	switch tag.Event {
	case EventToken:
		return decodeAs[TokenEvent](data)
	case EventToolStep:
		return decodeAs[ToolStepEvent](data)
	case EventOutput:
		return decodeAs[OutputEvent](data)
	case EventLog:
		return decodeAs[LogEvent](data)
	case EventUserMessage:
		return decodeAs[UserMessageEvent](data)
	case EventSignalSend, EventSignalRecv:
		ev, err := decodeAs[SignalEvent](data)
		if err != nil {
			return nil, err
		}
		ev.Kind = tag.Event
		return ev, nil
	default:
		return GenericEvent{Kind: tag.Event, Fields: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeAs[T any](data []byte) (*T, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	return &ev, nil
}

// injectKind adds the "event" field to an already-marshaled object. The
// variants do not embed the discriminator so that it cannot drift from the
// type identity.
func injectKind(raw []byte, kind string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	kindRaw, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields["event"] = kindRaw
	return json.Marshal(fields)
}

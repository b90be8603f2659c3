// Package envelope defines the frozen wire shapes carried on the bus: the
// message envelope published to inbound chat topics and the stream events
// emitted on per-conversation egress topics during a run.
//
// Envelopes and events are immutable after construction. Serialization is
// plain JSON with snake_case field names; decoders retain unknown fields so
// that newer producers can extend the wire format without breaking older
// consumers.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message type discriminators. Control envelopes are reserved for lifecycle
// operations (pause/resume); workers ignore them unless the runner opts in.
const (
	TypeMessage = "message"
	TypeControl = "control"
)

type (
	// Envelope is the transport-agnostic record for a message addressed to a
	// conversation or an agent. The delivery transport (Redis, in-memory bus,
	// HTTP) is intentionally not encoded here.
	Envelope struct {
		// ID is the canonical unique identifier, stable for the envelope's
		// entire life. Consumers use it for idempotent dedup.
		ID string `json:"id"`
		// ConversationID is the routing key for the egress stream topic and
		// for per-conversation session state.
		ConversationID string `json:"conversation_id"`
		// Sender is "user:<id>" or "agent:<name>".
		Sender string `json:"sender"`
		// Recipient is "chat:<conversation_id>" or "agent:<name>".
		Recipient string `json:"recipient"`
		// Type is TypeMessage or TypeControl.
		Type string `json:"type"`
		// Content is the optional text body.
		Content string `json:"content,omitempty"`
		// Metadata carries arbitrary JSON values, e.g. orchestration hints
		// under the "orchestrate" key.
		Metadata map[string]any `json:"metadata,omitempty"`
		// CreatedAt is the UTC creation time, RFC3339 on the wire.
		CreatedAt time.Time `json:"created_at"`
	}

	// OrchestrateHints is the decoded form of the "orchestrate" metadata key
	// set by the orchestration helper on child envelopes.
	OrchestrateHints struct {
		ParentID         string   `json:"parent_id,omitempty"`
		DoneTopic        string   `json:"done_topic,omitempty"`
		Responsibilities []string `json:"responsibilities,omitempty"`
		AllowedPaths     []string `json:"allowed_paths,omitempty"`
	}
)

// New constructs an envelope with a fresh ID and CreatedAt set to now (UTC).
func New(conversationID, sender, recipient, typ, content string) *Envelope {
	return &Envelope{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Recipient:      recipient,
		Type:           typ,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate checks the structural invariants that ingress enforces before any
// bus traffic is generated: required fields, known type discriminator and
// well-formed sender/recipient schemes.
func (e *Envelope) Validate() error {
	if e.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if e.Type != TypeMessage && e.Type != TypeControl {
		return fmt.Errorf("unknown type %q", e.Type)
	}
	if err := validateScheme(e.Sender, "sender", "user", "agent"); err != nil {
		return err
	}
	return validateScheme(e.Recipient, "recipient", "chat", "agent")
}

// Orchestrate decodes the "orchestrate" metadata key when present. Returns
// false when the envelope carries no orchestration hints.
func (e *Envelope) Orchestrate() (OrchestrateHints, bool) {
	raw, ok := e.Metadata["orchestrate"]
	if !ok {
		return OrchestrateHints{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return OrchestrateHints{}, false
	}
	var h OrchestrateHints
	if s, ok := m["parent_id"].(string); ok {
		h.ParentID = s
	}
	if s, ok := m["done_topic"].(string); ok {
		h.DoneTopic = s
	}
	h.Responsibilities = stringSlice(m["responsibilities"])
	h.AllowedPaths = stringSlice(m["allowed_paths"])
	return h, true
}

func validateScheme(v, field string, schemes ...string) error {
	scheme, rest, ok := strings.Cut(v, ":")
	if !ok || rest == "" {
		return fmt.Errorf("%s %q must be of form <scheme>:<name>", field, v)
	}
	for _, s := range schemes {
		if scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme %q not in %v", field, scheme, schemes)
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

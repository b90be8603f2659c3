// Package signal provides the coordination layer carried on the bus: named
// "signal:" topics with cursor-addressed waits, a send/wait policy (topic
// allowlist, payload size cap) and visibility events published on the
// conversation streams of the participants.
//
// Delivery is at-least-once and per-topic ordered; callers that need
// idempotency de-duplicate by message ID.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"goa.design/flock/bus"
	"goa.design/flock/envelope"
)

// Policy violations surface immediately and generate no bus traffic.
var (
	ErrPolicyViolation = errors.New("signal topic outside allowed prefix")
	ErrPayloadTooLarge = errors.New("signal payload over size cap")
)

// DefaultPayloadMaxBytes is the conservative default payload cap.
const DefaultPayloadMaxBytes = 16 * 1024

// pollInterval is the tick between checks in the wait primitives.
const pollInterval = 50 * time.Millisecond

// redactedKeys lists the payload keys whose values are masked in returned
// payloads. Matching is case-insensitive.
var redactedKeys = []string{"token", "secret", "password", "api_key", "authorization"}

type (
	// Signaler sends and waits on signal topics through a bus. The zero
	// policy allows every topic and applies the default payload cap.
	Signaler struct {
		bus    bus.Bus
		prefix string
		maxLen int
	}

	// Options configures a Signaler.
	Options struct {
		// TopicPrefix, when non-empty, is the prefix every sent or awaited
		// topic must carry.
		TopicPrefix string
		// PayloadMaxBytes caps the JSON-encoded payload size. Zero selects
		// DefaultPayloadMaxBytes.
		PayloadMaxBytes int
	}

	// SendResult reports a successful send.
	SendResult struct {
		OK     bool   `json:"ok"`
		Topic  string `json:"topic"`
		Cursor string `json:"cursor"`
	}

	// WaitResult reports the outcome of a single-topic wait. A timeout is a
	// structured non-ok result, not an error.
	WaitResult struct {
		OK        bool           `json:"ok"`
		Topic     string         `json:"topic"`
		Message   map[string]any `json:"message,omitempty"`
		MessageID string         `json:"message_id,omitempty"`
		Cursor    string         `json:"cursor,omitempty"`
		TimeoutMS int            `json:"timeout_ms,omitempty"`
	}

	// MultiWaitResult reports the outcome of WaitAny and WaitAll. For
	// WaitAny, Fired names the topic that produced the entry; for WaitAll,
	// Cursors holds the observed cursor per topic.
	MultiWaitResult struct {
		OK        bool              `json:"ok"`
		Fired     string            `json:"fired,omitempty"`
		Message   map[string]any    `json:"message,omitempty"`
		MessageID string            `json:"message_id,omitempty"`
		Cursors   map[string]string `json:"cursors,omitempty"`
		TimeoutMS int               `json:"timeout_ms,omitempty"`
	}
)

// New constructs a Signaler over the given bus.
func New(b bus.Bus, opts Options) *Signaler {
	maxLen := opts.PayloadMaxBytes
	if maxLen <= 0 {
		maxLen = DefaultPayloadMaxBytes
	}
	return &Signaler{bus: b, prefix: opts.TopicPrefix, maxLen: maxLen}
}

// Send publishes a small JSON payload on a signal topic. When conversationID
// is non-empty a signal_send visibility event (topic, cursor and payload
// length only) is also published on that conversation's stream.
func (s *Signaler) Send(ctx context.Context, topic string, payload map[string]any, conversationID string) (SendResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return SendResult{}, errors.New("topic must be non-empty")
	}
	if err := s.checkTopic(topic); err != nil {
		return SendResult{}, err
	}
	body, err := json.Marshal(map[string]any{"event": "signal", "payload": payload})
	if err != nil {
		return SendResult{}, fmt.Errorf("encode signal payload: %w", err)
	}
	if len(body) > s.maxLen {
		return SendResult{}, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(body), s.maxLen)
	}
	cursor, err := s.bus.Publish(ctx, topic, bus.NewMessage(topic, body))
	if err != nil {
		return SendResult{}, err
	}
	s.visibility(ctx, envelope.EventSignalSend, conversationID, topic, cursor, len(body))
	return SendResult{OK: true, Topic: topic, Cursor: cursor}, nil
}

// Wait returns the first entry strictly after the given cursor, or a
// structured timeout result once the deadline passes.
func (s *Signaler) Wait(ctx context.Context, topic, after string, timeout time.Duration, conversationID string) (WaitResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return WaitResult{}, errors.New("topic must be non-empty")
	}
	if err := s.checkTopic(topic); err != nil {
		return WaitResult{}, err
	}
	cursor := waitCursor(after)
	deadline := time.Now().Add(timeout)
	for {
		entries, err := s.bus.Read(ctx, topic, bus.ReadOptions{After: cursor, Limit: 1})
		if err != nil {
			return WaitResult{}, err
		}
		if len(entries) > 0 {
			e := entries[0]
			s.visibility(ctx, envelope.EventSignalRecv, conversationID, topic, e.Cursor, len(e.Payload))
			return WaitResult{
				OK:        true,
				Topic:     topic,
				Message:   decodePayload(e.Payload),
				MessageID: e.ID,
				Cursor:    e.Cursor,
			}, nil
		}
		if time.Now().After(deadline) {
			return WaitResult{OK: false, Topic: topic, TimeoutMS: int(timeout / time.Millisecond)}, nil
		}
		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// WaitAny polls the topic set and returns the first entry seen across it,
// reporting which topic fired.
func (s *Signaler) WaitAny(ctx context.Context, topics []string, after map[string]string, timeout time.Duration, conversationID string) (MultiWaitResult, error) {
	cursors, err := s.initCursors(topics, after)
	if err != nil {
		return MultiWaitResult{}, err
	}
	deadline := time.Now().Add(timeout)
	for {
		for _, topic := range topics {
			entries, err := s.bus.Read(ctx, topic, bus.ReadOptions{After: cursors[topic], Limit: 1})
			if err != nil {
				return MultiWaitResult{}, err
			}
			if len(entries) == 0 {
				continue
			}
			e := entries[0]
			s.visibility(ctx, envelope.EventSignalRecv, conversationID, topic, e.Cursor, len(e.Payload))
			return MultiWaitResult{
				OK:        true,
				Fired:     topic,
				Message:   decodePayload(e.Payload),
				MessageID: e.ID,
				Cursors:   map[string]string{topic: e.Cursor},
			}, nil
		}
		if time.Now().After(deadline) {
			return MultiWaitResult{OK: false, TimeoutMS: int(timeout / time.Millisecond)}, nil
		}
		select {
		case <-ctx.Done():
			return MultiWaitResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// WaitAll returns once at least one new entry has been observed on every
// topic, or a structured timeout result listing what was seen.
func (s *Signaler) WaitAll(ctx context.Context, topics []string, after map[string]string, timeout time.Duration, conversationID string) (MultiWaitResult, error) {
	cursors, err := s.initCursors(topics, after)
	if err != nil {
		return MultiWaitResult{}, err
	}
	seen := make(map[string]string, len(topics))
	deadline := time.Now().Add(timeout)
	for {
		for _, topic := range topics {
			if _, ok := seen[topic]; ok {
				continue
			}
			entries, err := s.bus.Read(ctx, topic, bus.ReadOptions{After: cursors[topic], Limit: 1})
			if err != nil {
				return MultiWaitResult{}, err
			}
			if len(entries) == 0 {
				continue
			}
			e := entries[0]
			seen[topic] = e.Cursor
			s.visibility(ctx, envelope.EventSignalRecv, conversationID, topic, e.Cursor, len(e.Payload))
		}
		if len(seen) == len(topics) {
			return MultiWaitResult{OK: true, Cursors: seen}, nil
		}
		if time.Now().After(deadline) {
			return MultiWaitResult{OK: false, Cursors: seen, TimeoutMS: int(timeout / time.Millisecond)}, nil
		}
		select {
		case <-ctx.Done():
			return MultiWaitResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *Signaler) checkTopic(topic string) error {
	if s.prefix != "" && !strings.HasPrefix(topic, s.prefix) {
		return fmt.Errorf("%w: %q requires prefix %q", ErrPolicyViolation, topic, s.prefix)
	}
	return nil
}

func (s *Signaler) initCursors(topics []string, after map[string]string) (map[string]string, error) {
	if len(topics) == 0 {
		return nil, errors.New("topics must be non-empty")
	}
	cursors := make(map[string]string, len(topics))
	for _, topic := range topics {
		if err := s.checkTopic(topic); err != nil {
			return nil, err
		}
		cursors[topic] = waitCursor(after[topic])
	}
	return cursors, nil
}

// visibility publishes a signal_send/signal_recv event on the conversation
// stream. Failures are logged, never propagated: coordination must not break
// because observability did.
func (s *Signaler) visibility(ctx context.Context, kind, conversationID, topic, cursor string, payloadLen int) {
	if conversationID == "" {
		return
	}
	ev := envelope.NewSignal(kind, conversationID, topic, cursor, payloadLen)
	streamTopic := envelope.StreamTopic(conversationID)
	msg, err := marshalEventMessage(streamTopic, ev)
	if err == nil {
		_, err = s.bus.Publish(ctx, streamTopic, msg)
	}
	if err != nil {
		log.Debugf(ctx, "signal visibility publish failed: %v", err)
	}
}

func marshalEventMessage(topic string, ev envelope.StreamEvent) (bus.Message, error) {
	payload, err := envelope.MarshalEvent(ev)
	if err != nil {
		return bus.Message{}, err
	}
	return bus.NewMessage(topic, payload), nil
}

// waitCursor maps an absent per-topic cursor to the start sentinel so that
// waits observe entries published before the wait began. Signals are small
// coordination topics; replaying from the start is the useful default.
func waitCursor(after string) string {
	if after == "" {
		return "-"
	}
	return after
}

// decodePayload parses a signal message body and redacts sensitive keys in
// the returned payload map.
func decodePayload(raw []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return map[string]any{}
	}
	if payload, ok := body["payload"].(map[string]any); ok {
		body["payload"] = Redact(payload)
	}
	return body
}

// Redact returns a copy of payload with values of sensitive keys replaced by
// "[redacted]". Nested maps are processed recursively.
func Redact(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSensitive(k) {
			out[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range redactedKeys {
		if lower == k {
			return true
		}
	}
	return false
}

// Package bus defines the append-only message bus abstraction the runtime is
// built on: at-least-once, per-topic ordered, cursor-addressable publish and
// read over named topics, with an optional consumer-group mode for
// horizontally scaled subscribers.
//
// Two backends implement the interface: bus/inmem for single-process
// deployments and tests, and bus/redisbus over Redis Streams for production.
// Callers treat cursors as opaque strings totally ordered within one topic
// and never parse them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by bus backends. Empty reads are not errors.
var (
	// ErrUnavailable reports a transport failure talking to the backend.
	// Backends fail fast and never retry internally.
	ErrUnavailable = errors.New("bus unavailable")
	// ErrInvalidCursor reports a malformed or out-of-retention cursor.
	ErrInvalidCursor = errors.New("invalid cursor")
)

type (
	// Message is the unit published to a topic. Payload is the JSON-encoded
	// envelope or stream event; ID is the canonical UUID stored alongside it
	// so readers can recognize duplicates under at-least-once delivery.
	Message struct {
		ID      string
		Topic   string
		Payload json.RawMessage
	}

	// Entry is a message as read back from a topic, together with the
	// backend-assigned cursor identifying its position.
	Entry struct {
		Message
		Cursor string
	}

	// ReadOptions controls a single Read call.
	ReadOptions struct {
		// After restricts the read to entries strictly after this cursor.
		// Empty means "from the live tail" outside group mode; group reads
		// always deliver entries not yet delivered to the group.
		After string
		// Limit bounds the number of returned entries. Zero means the
		// backend default (100).
		Limit int
		// Block is how long to wait for entries when none are available.
		// Zero returns immediately.
		Block time.Duration
	}

	// Bus is the transport interface shared by all backends. Implementations
	// must preserve append order within a topic and assign monotone cursors.
	Bus interface {
		// Publish appends one message to a topic and returns the cursor of
		// the new entry. Fails with ErrUnavailable on transport errors.
		Publish(ctx context.Context, topic string, msg Message) (string, error)

		// Read returns up to Limit entries strictly after the cursor in
		// opts, in append order. In consumer-group mode (identity supplied
		// at construction) only entries new to the group are delivered and
		// the caller must Ack each one.
		Read(ctx context.Context, topic string, opts ReadOptions) ([]Entry, error)

		// Ack marks an entry processed in consumer-group mode. It is a
		// no-op for backends or constructions without a group.
		Ack(ctx context.Context, topic, cursor string) error
	}
)

// DefaultReadLimit is applied when ReadOptions.Limit is zero.
const DefaultReadLimit = 100

// NewMessage builds a message with a fresh canonical UUID.
func NewMessage(topic string, payload []byte) Message {
	return Message{ID: uuid.NewString(), Topic: topic, Payload: payload}
}

// MarshalMessage JSON-encodes v and wraps it in a Message for topic.
func MarshalMessage(topic string, v any) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(topic, payload), nil
}

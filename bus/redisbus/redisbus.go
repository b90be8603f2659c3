// Package redisbus implements the bus over Redis Streams. Publishing is
// XADD, tail reads are XRANGE scans, and consumer-group reads use blocking
// XREADGROUP with explicit XACK. Each stream entry stores two fields: the
// canonical message UUID under "id" and the JSON payload under "payload";
// the Redis entry ID serves as the cursor.
//
// The adapter fails fast on transport errors and never retries internally;
// retry policy belongs to callers.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/flock/bus"
)

// DefaultDialTimeout bounds connection establishment. Reads rely on
// caller-level timeouts instead of a socket read timeout so that blocking
// group reads can wait as long as requested.
const DefaultDialTimeout = 5 * time.Second

type (
	// Bus is a Redis Streams backed bus. A zero group name selects tail
	// mode; with a group every Read is an XREADGROUP on behalf of the
	// configured consumer and entries must be acknowledged by the caller.
	Bus struct {
		rdb      redis.Cmdable
		group    string
		consumer string
	}

	// Options configures the adapter.
	Options struct {
		// URL is the Redis endpoint, e.g. "redis://localhost:6379/0".
		// Ignored when Client is set.
		URL string
		// Client overrides the connection, primarily for tests and for
		// sharing a pool with other components.
		Client redis.Cmdable
		// Group and Consumer select consumer-group mode. Group names are
		// stable per agent; consumer names are unique per process.
		Group    string
		Consumer string
	}
)

// New constructs a Redis Streams bus from the options. When no consumer name
// is given in group mode a unique one is generated.
func New(opts Options) (*Bus, error) {
	rdb := opts.Client
	if rdb == nil {
		if opts.URL == "" {
			return nil, errors.New("redis URL is required")
		}
		ropts, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		ropts.DialTimeout = DefaultDialTimeout
		ropts.ReadTimeout = -1
		rdb = redis.NewClient(ropts)
	}
	consumer := opts.Consumer
	if opts.Group != "" && consumer == "" {
		consumer = "consumer-" + uuid.NewString()
	}
	return &Bus{rdb: rdb, group: opts.Group, consumer: consumer}, nil
}

// Publish appends the message via XADD and returns the Redis entry ID as the
// cursor. The canonical UUID travels in the entry fields for dedup.
func (b *Bus) Publish(ctx context.Context, topic string, msg bus.Message) (string, error) {
	cursor, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"id": msg.ID, "payload": string(msg.Payload)},
	}).Result()
	if err != nil {
		return "", unavailable("xadd", err)
	}
	return cursor, nil
}

// Read implements the bus contract over XRANGE (tail mode) or XREADGROUP
// (group mode).
func (b *Bus) Read(ctx context.Context, topic string, opts bus.ReadOptions) ([]bus.Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = bus.DefaultReadLimit
	}
	if b.group != "" {
		return b.readGroup(ctx, topic, limit, opts.Block)
	}
	return b.readRange(ctx, topic, opts.After, limit, opts.Block)
}

// Ack XACKs the entry for the configured group. No-op in tail mode.
func (b *Bus) Ack(ctx context.Context, topic, cursor string) error {
	if b.group == "" {
		return nil
	}
	if err := b.rdb.XAck(ctx, topic, b.group, cursor).Err(); err != nil {
		return unavailable("xack", err)
	}
	return nil
}

// Ping probes the backend; the gateway readiness endpoint uses it.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (b *Bus) readRange(ctx context.Context, topic, after string, limit int, block time.Duration) ([]bus.Entry, error) {
	deadline := time.Now().Add(block)
	for {
		entries, err := b.rangeOnce(ctx, topic, after, limit)
		if err != nil || len(entries) > 0 || block <= 0 {
			return entries, err
		}
		// XRANGE has no blocking form; poll briefly until the deadline.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(remaining, 50*time.Millisecond)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *Bus) rangeOnce(ctx context.Context, topic, after string, limit int) ([]bus.Entry, error) {
	switch after {
	case "":
		// Tail: last entries in chronological order.
		msgs, err := b.rdb.XRevRangeN(ctx, topic, "+", "-", int64(limit)).Result()
		if err != nil {
			return nil, unavailable("xrevrange", err)
		}
		entries := make([]bus.Entry, 0, len(msgs))
		for i := len(msgs) - 1; i >= 0; i-- {
			entries = append(entries, toEntry(topic, msgs[i]))
		}
		return entries, nil
	case "-":
		return b.rangeFrom(ctx, topic, "-", limit)
	default:
		if !validEntryID(after) {
			// The cursor may be a canonical message UUID published by an
			// older client; resolve it by scanning for the matching entry.
			return b.rangeAfterID(ctx, topic, after, limit)
		}
		return b.rangeFrom(ctx, topic, "("+after, limit)
	}
}

func (b *Bus) rangeFrom(ctx context.Context, topic, start string, limit int) ([]bus.Entry, error) {
	msgs, err := b.rdb.XRangeN(ctx, topic, start, "+", int64(limit)).Result()
	if err != nil {
		if isParseErr(err) {
			return nil, fmt.Errorf("%w: %q", bus.ErrInvalidCursor, start)
		}
		return nil, unavailable("xrange", err)
	}
	entries := make([]bus.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(topic, m))
	}
	return entries, nil
}

// rangeAfterID scans the stream in chunks for the entry whose canonical UUID
// matches after, then returns the entries following it. Mirrors the resume
// path clients on old cursors depend on.
func (b *Bus) rangeAfterID(ctx context.Context, topic, after string, limit int) ([]bus.Entry, error) {
	start := "-"
	var out []bus.Entry
	found := false
	for {
		chunk, err := b.rdb.XRangeN(ctx, topic, start, "+", int64(max(limit*2, 100))).Result()
		if err != nil {
			return nil, unavailable("xrange", err)
		}
		if len(chunk) == 0 {
			break
		}
		for _, m := range chunk {
			if !found {
				if field(m, "id") == after || m.ID == after {
					found = true
				}
				continue
			}
			out = append(out, toEntry(topic, m))
			if len(out) >= limit {
				return out, nil
			}
		}
		last := chunk[len(chunk)-1].ID
		if "("+last == start {
			break
		}
		start = "(" + last
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", bus.ErrInvalidCursor, after)
	}
	return out, nil
}

func (b *Bus) readGroup(ctx context.Context, topic string, limit int, block time.Duration) ([]bus.Entry, error) {
	if err := b.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}
	if block <= 0 {
		// go-redis sends BLOCK 0 (wait forever) for a zero Block; a negative
		// value omits the argument, which is the contract's "return
		// immediately".
		block = -1
	}
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(limit),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, unavailable("xreadgroup", err)
	}
	var entries []bus.Entry
	for _, stream := range res {
		for _, m := range stream.Messages {
			entries = append(entries, toEntry(topic, m))
		}
	}
	return entries, nil
}

// ensureGroup creates the consumer group at the start of the stream so that
// entries published before the first worker came up are still delivered.
func (b *Bus) ensureGroup(ctx context.Context, topic string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, b.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return unavailable("xgroup create", err)
}

func toEntry(topic string, m redis.XMessage) bus.Entry {
	id := field(m, "id")
	if id == "" {
		id = m.ID
	}
	return bus.Entry{
		Message: bus.Message{ID: id, Topic: topic, Payload: []byte(field(m, "payload"))},
		Cursor:  m.ID,
	}
}

func field(m redis.XMessage, name string) string {
	v, ok := m.Values[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// validEntryID reports whether the cursor looks like a Redis stream entry ID
// ("<ms>-<seq>"). Anything else is treated as a canonical message UUID.
func validEntryID(cursor string) bool {
	ms, seq, ok := strings.Cut(cursor, "-")
	if !ok || ms == "" || seq == "" {
		return false
	}
	for _, part := range []string{ms, seq} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func isParseErr(err error) bool {
	return strings.Contains(err.Error(), "Invalid stream ID")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", bus.ErrUnavailable, op, err)
}

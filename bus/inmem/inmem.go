// Package inmem provides the in-process bus backend used in single-process
// deployments and tests. Topics are ordered slices guarded by one mutex;
// blocking reads suspend until a publish signals new entries. Consumer-group
// semantics (single delivery, pending redelivery after a claim timeout) are
// emulated faithfully enough to exercise worker code without Redis.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/flock/bus"
)

// DefaultClaimTimeout is how long a delivered-but-unacknowledged entry stays
// owned by its consumer before becoming eligible for redelivery.
const DefaultClaimTimeout = 30 * time.Second

type (
	// Bus is a view over the shared in-process state. Views created with
	// WithGroup share topics with their parent so group consumers and tail
	// readers observe the same entries.
	Bus struct {
		core     *core
		group    string
		consumer string
	}

	core struct {
		mu           sync.Mutex
		topics       map[string]*topicState
		notify       chan struct{}
		claimTimeout time.Duration
	}

	topicState struct {
		entries []bus.Entry
		groups  map[string]*groupState
	}

	groupState struct {
		// nextIndex is the position of the next entry never delivered to
		// the group.
		nextIndex int
		// pending tracks delivered, unacknowledged entries by cursor.
		pending map[string]pendingEntry
	}

	pendingEntry struct {
		index       int
		consumer    string
		deliveredAt time.Time
	}

	// Option configures the shared bus state.
	Option func(*core)
)

// WithClaimTimeout overrides the redelivery claim timeout.
func WithClaimTimeout(d time.Duration) Option {
	return func(c *core) { c.claimTimeout = d }
}

// New creates an empty in-process bus in tail mode.
func New(opts ...Option) *Bus {
	c := &core{
		topics:       make(map[string]*topicState),
		notify:       make(chan struct{}),
		claimTimeout: DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Bus{core: c}
}

// WithGroup returns a consumer-group view sharing this bus's topics. Each
// entry is delivered to at most one live consumer of a group; unacknowledged
// entries are redelivered after the claim timeout.
func (b *Bus) WithGroup(group, consumer string) *Bus {
	return &Bus{core: b.core, group: group, consumer: consumer}
}

// Publish appends the message and wakes blocked readers.
func (b *Bus) Publish(_ context.Context, topic string, msg bus.Message) (string, error) {
	c := b.core
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.topic(topic)
	cursor := formatCursor(len(st.entries) + 1)
	msg.Topic = topic
	st.entries = append(st.entries, bus.Entry{Message: msg, Cursor: cursor})
	// Broadcast by closing the current notify channel and installing a
	// fresh one; blocked readers hold the old channel.
	close(c.notify)
	c.notify = make(chan struct{})
	return cursor, nil
}

// Read returns entries per the bus contract. Tail reads with an empty After
// return the last Limit entries in order; group reads deliver new entries to
// this consumer and reclaim expired pending ones.
func (b *Bus) Read(ctx context.Context, topic string, opts bus.ReadOptions) ([]bus.Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = bus.DefaultReadLimit
	}
	deadline := time.Now().Add(opts.Block)
	for {
		entries, err := b.readOnce(topic, opts.After, limit)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || opts.Block <= 0 {
			return entries, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		b.core.mu.Lock()
		notify := b.core.notify
		b.core.mu.Unlock()
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

// Ack removes the entry from the group's pending set. No-op in tail mode.
func (b *Bus) Ack(_ context.Context, topic, cursor string) error {
	if b.group == "" {
		return nil
	}
	c := b.core
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.topic(topic)
	g := st.group(b.group)
	delete(g.pending, cursor)
	return nil
}

func (b *Bus) readOnce(topic, after string, limit int) ([]bus.Entry, error) {
	c := b.core
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.topic(topic)
	if b.group != "" {
		return b.readGroupLocked(st, limit), nil
	}
	start, err := startIndex(st, after)
	if err != nil {
		return nil, err
	}
	if after == "" {
		// Tail: the most recent entries, capped at limit.
		if n := len(st.entries); n > limit {
			start = n - limit
		}
	}
	end := min(start+limit, len(st.entries))
	if start >= end {
		return nil, nil
	}
	out := make([]bus.Entry, end-start)
	copy(out, st.entries[start:end])
	return out, nil
}

func (b *Bus) readGroupLocked(st *topicState, limit int) []bus.Entry {
	g := st.group(b.group)
	now := time.Now()
	var out []bus.Entry

	// Reclaim expired pending entries first so a crashed consumer's work is
	// redelivered before new entries.
	for cursor, p := range g.pending {
		if now.Sub(p.deliveredAt) < b.core.claimTimeout {
			continue
		}
		g.pending[cursor] = pendingEntry{index: p.index, consumer: b.consumer, deliveredAt: now}
		out = append(out, st.entries[p.index])
		if len(out) >= limit {
			return out
		}
	}

	for g.nextIndex < len(st.entries) && len(out) < limit {
		entry := st.entries[g.nextIndex]
		g.pending[entry.Cursor] = pendingEntry{index: g.nextIndex, consumer: b.consumer, deliveredAt: now}
		g.nextIndex++
		out = append(out, entry)
	}
	return out
}

func (c *core) topic(name string) *topicState {
	st, ok := c.topics[name]
	if !ok {
		st = &topicState{groups: make(map[string]*groupState)}
		c.topics[name] = st
	}
	return st
}

func (st *topicState) group(name string) *groupState {
	g, ok := st.groups[name]
	if !ok {
		g = &groupState{pending: make(map[string]pendingEntry)}
		st.groups[name] = g
	}
	return g
}

// startIndex resolves a cursor to the index of the first entry strictly
// after it. The start sentinel "-" addresses the beginning of the topic.
func startIndex(st *topicState, after string) (int, error) {
	switch after {
	case "", "-":
		return 0, nil
	}
	seq, err := parseCursor(after)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func formatCursor(seq int) string { return fmt.Sprintf("%016d", seq) }

func parseCursor(cursor string) (int, error) {
	if len(cursor) != 16 {
		return 0, fmt.Errorf("%w: %q", bus.ErrInvalidCursor, cursor)
	}
	seq, err := strconv.Atoi(strings.TrimLeft(cursor, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", bus.ErrInvalidCursor, cursor)
	}
	return seq, nil
}

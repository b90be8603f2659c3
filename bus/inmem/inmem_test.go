package inmem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flock/bus"
)

func publishN(t *testing.T, b *Bus, topic string, n int) []string {
	t.Helper()
	cursors := make([]string, 0, n)
	for i := 0; i < n; i++ {
		cursor, err := b.Publish(context.Background(), topic, bus.NewMessage(topic, fmt.Appendf(nil, `{"n":%d}`, i)))
		require.NoError(t, err)
		cursors = append(cursors, cursor)
	}
	return cursors
}

func TestPublishReadOrder(t *testing.T) {
	b := New()
	ctx := context.Background()
	cursors := publishN(t, b, "t1", 5)

	entries, err := b.Read(ctx, "t1", bus.ReadOptions{After: "-"})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, cursors[i], e.Cursor)
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(e.Payload))
		assert.Equal(t, "t1", e.Topic)
		if i > 0 {
			assert.Greater(t, e.Cursor, entries[i-1].Cursor, "cursors must be monotone")
		}
	}
}

func TestReadAfterCursor(t *testing.T) {
	b := New()
	ctx := context.Background()
	cursors := publishN(t, b, "t1", 5)

	entries, err := b.Read(ctx, "t1", bus.ReadOptions{After: cursors[1]})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, cursors[2], entries[0].Cursor)
	assert.Equal(t, cursors[4], entries[2].Cursor)

	// Reading after the last cursor is an empty result, not an error.
	entries, err = b.Read(ctx, "t1", bus.ReadOptions{After: cursors[4]})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadLimit(t *testing.T) {
	b := New()
	ctx := context.Background()
	cursors := publishN(t, b, "t1", 10)

	entries, err := b.Read(ctx, "t1", bus.ReadOptions{After: "-", Limit: 3})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, cursors[0], entries[0].Cursor)
}

func TestTailRead(t *testing.T) {
	b := New()
	ctx := context.Background()
	cursors := publishN(t, b, "t1", 10)

	// Empty After tails the most recent entries in order.
	entries, err := b.Read(ctx, "t1", bus.ReadOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, cursors[7], entries[0].Cursor)
	assert.Equal(t, cursors[9], entries[2].Cursor)
}

func TestReadEmptyTopic(t *testing.T) {
	b := New()
	entries, err := b.Read(context.Background(), "nothing-here", bus.ReadOptions{After: "-"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvalidCursor(t *testing.T) {
	b := New()
	publishN(t, b, "t1", 1)
	_, err := b.Read(context.Background(), "t1", bus.ReadOptions{After: "bogus"})
	assert.ErrorIs(t, err, bus.ErrInvalidCursor)
}

func TestBlockingReadWokenByPublish(t *testing.T) {
	b := New()
	ctx := context.Background()

	done := make(chan []bus.Entry, 1)
	go func() {
		entries, err := b.Read(ctx, "t1", bus.ReadOptions{After: "-", Block: 5 * time.Second})
		if err != nil {
			done <- nil
			return
		}
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	publishN(t, b, "t1", 1)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
	case <-time.After(time.Second):
		t.Fatal("blocked read was not woken by publish")
	}
}

func TestBlockingReadTimeout(t *testing.T) {
	b := New()
	start := time.Now()
	entries, err := b.Read(context.Background(), "t1", bus.ReadOptions{After: "-", Block: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBlockingReadCanceled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.Read(ctx, "t1", bus.ReadOptions{After: "-", Block: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupSingleDelivery(t *testing.T) {
	b := New()
	ctx := context.Background()
	publishN(t, b, "t1", 4)

	c1 := b.WithGroup("g", "c1")
	c2 := b.WithGroup("g", "c2")

	first, err := c1.Read(ctx, "t1", bus.ReadOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := c2.Read(ctx, "t1", bus.ReadOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, second, 2, "entries delivered to c1 must not be redelivered to c2")
	assert.NotEqual(t, first[0].Cursor, second[0].Cursor)

	// Everything delivered; nothing new for either consumer.
	third, err := c1.Read(ctx, "t1", bus.ReadOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestGroupRedeliveryAfterClaimTimeout(t *testing.T) {
	b := New(WithClaimTimeout(30 * time.Millisecond))
	ctx := context.Background()
	publishN(t, b, "t1", 1)

	c1 := b.WithGroup("g", "c1")
	c2 := b.WithGroup("g", "c2")

	first, err := c1.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Before the claim expires the entry stays owned by c1.
	entries, err := c2.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	time.Sleep(50 * time.Millisecond)
	entries, err = c2.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first[0].Cursor, entries[0].Cursor)
}

func TestGroupAckStopsRedelivery(t *testing.T) {
	b := New(WithClaimTimeout(20 * time.Millisecond))
	ctx := context.Background()
	publishN(t, b, "t1", 1)

	c1 := b.WithGroup("g", "c1")
	entries, err := c1.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, c1.Ack(ctx, "t1", entries[0].Cursor))

	time.Sleep(40 * time.Millisecond)
	entries, err = c1.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries, "acked entry must not be redelivered")
}

func TestGroupAndTailShareTopics(t *testing.T) {
	b := New()
	ctx := context.Background()

	g := b.WithGroup("g", "c1")
	publishN(t, b, "t1", 2)

	entries, err := g.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Tail reads on the parent view still see everything.
	tail, err := b.Read(ctx, "t1", bus.ReadOptions{After: "-"})
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestIndependentGroups(t *testing.T) {
	b := New()
	ctx := context.Background()
	publishN(t, b, "t1", 3)

	g1 := b.WithGroup("g1", "c")
	g2 := b.WithGroup("g2", "c")

	e1, err := g1.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	e2, err := g2.Read(ctx, "t1", bus.ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, e1, 3)
	assert.Len(t, e2, 3, "separate groups each receive the full topic")
}

func TestTopicsIsolated(t *testing.T) {
	b := New()
	ctx := context.Background()
	publishN(t, b, "t1", 2)
	publishN(t, b, "t2", 1)

	entries, err := b.Read(ctx, "t2", bus.ReadOptions{After: "-"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

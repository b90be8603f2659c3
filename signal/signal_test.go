package signal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flock/bus"
	"goa.design/flock/bus/inmem"
	"goa.design/flock/envelope"
)

func readAll() bus.ReadOptions { return bus.ReadOptions{After: "-"} }

func TestSendAndWait(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	sent, err := s.Send(ctx, "signal:deploy/ready", map[string]any{"version": "1.2.3"}, "")
	require.NoError(t, err)
	assert.True(t, sent.OK)
	assert.Equal(t, "signal:deploy/ready", sent.Topic)
	assert.NotEmpty(t, sent.Cursor)

	// A wait with no cursor observes entries published before it began.
	got, err := s.Wait(ctx, "signal:deploy/ready", "", time.Second, "")
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.Equal(t, sent.Cursor, got.Cursor)
	assert.NotEmpty(t, got.MessageID)
	payload, ok := got.Message["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", payload["version"])
}

func TestWaitAfterCursor(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	first, err := s.Send(ctx, "signal:t", map[string]any{"n": 1}, "")
	require.NoError(t, err)
	second, err := s.Send(ctx, "signal:t", map[string]any{"n": 2}, "")
	require.NoError(t, err)

	got, err := s.Wait(ctx, "signal:t", first.Cursor, time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, second.Cursor, got.Cursor)
}

func TestWaitTimeoutIsStructured(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})

	got, err := s.Wait(context.Background(), "signal:never", "", 80*time.Millisecond, "")
	require.NoError(t, err, "timeout is an outcome, not an error")
	assert.False(t, got.OK)
	assert.Equal(t, "signal:never", got.Topic)
	assert.Equal(t, 80, got.TimeoutMS)
}

func TestWaitDeliveredWhileWaiting(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	done := make(chan WaitResult, 1)
	go func() {
		got, err := s.Wait(ctx, "signal:late", "", 2*time.Second, "")
		if err != nil {
			done <- WaitResult{}
			return
		}
		done <- got
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := s.Send(ctx, "signal:late", map[string]any{"k": "v"}, "")
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.True(t, got.OK)
	case <-time.After(time.Second):
		t.Fatal("wait did not observe the signal")
	}
}

func TestTopicPolicy(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{TopicPrefix: "signal:team/"})
	ctx := context.Background()

	_, err := s.Send(ctx, "signal:other/x", map[string]any{}, "")
	assert.ErrorIs(t, err, ErrPolicyViolation)

	_, err = s.Wait(ctx, "signal:other/x", "", time.Millisecond, "")
	assert.ErrorIs(t, err, ErrPolicyViolation)

	_, err = s.WaitAll(ctx, []string{"signal:team/a", "signal:other/x"}, nil, time.Millisecond, "")
	assert.ErrorIs(t, err, ErrPolicyViolation)

	_, err = s.Send(ctx, "signal:team/x", map[string]any{}, "")
	assert.NoError(t, err)

	// Policy violations generate no bus traffic.
	entries, err := b.Read(ctx, "signal:other/x", readAll())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPayloadSizeCap(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{PayloadMaxBytes: 64})

	_, err := s.Send(context.Background(), "signal:t", map[string]any{
		"blob": strings.Repeat("x", 200),
	}, "")
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = s.Send(context.Background(), "signal:t", map[string]any{"k": "v"}, "")
	assert.NoError(t, err)
}

func TestEmptyTopicRejected(t *testing.T) {
	s := New(inmem.New(), Options{})
	_, err := s.Send(context.Background(), "  ", map[string]any{}, "")
	assert.Error(t, err)
	_, err = s.Wait(context.Background(), "", "", time.Millisecond, "")
	assert.Error(t, err)
	_, err = s.WaitAll(context.Background(), nil, nil, time.Millisecond, "")
	assert.Error(t, err)
}

func TestWaitAny(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	_, err := s.Send(ctx, "signal:b", map[string]any{"from": "b"}, "")
	require.NoError(t, err)

	got, err := s.WaitAny(ctx, []string{"signal:a", "signal:b"}, nil, time.Second, "")
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.Equal(t, "signal:b", got.Fired)
	assert.Contains(t, got.Cursors, "signal:b")
}

func TestWaitAll(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	topics := []string{"signal:a", "signal:b", "signal:c"}
	for _, topic := range topics {
		_, err := s.Send(ctx, topic, map[string]any{}, "")
		require.NoError(t, err)
	}

	got, err := s.WaitAll(ctx, topics, nil, time.Second, "")
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.Len(t, got.Cursors, 3)
	for _, topic := range topics {
		assert.Contains(t, got.Cursors, topic)
	}
}

func TestWaitAllPartialTimeout(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	_, err := s.Send(ctx, "signal:a", map[string]any{}, "")
	require.NoError(t, err)

	got, err := s.WaitAll(ctx, []string{"signal:a", "signal:missing"}, nil, 100*time.Millisecond, "")
	require.NoError(t, err)
	assert.False(t, got.OK)
	assert.Contains(t, got.Cursors, "signal:a", "partial progress is reported")
	assert.NotContains(t, got.Cursors, "signal:missing")
	assert.Equal(t, 100, got.TimeoutMS)
}

func TestVisibilityEvents(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	_, err := s.Send(ctx, "signal:t", map[string]any{"k": "v"}, "conv-1")
	require.NoError(t, err)
	_, err = s.Wait(ctx, "signal:t", "", time.Second, "conv-1")
	require.NoError(t, err)

	entries, err := b.Read(ctx, envelope.StreamTopic("conv-1"), readAll())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	sendEv, err := envelope.UnmarshalEvent(entries[0].Payload)
	require.NoError(t, err)
	recvEv, err := envelope.UnmarshalEvent(entries[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.EventSignalSend, sendEv.Event())
	assert.Equal(t, envelope.EventSignalRecv, recvEv.Event())

	sig := sendEv.(*envelope.SignalEvent)
	assert.Equal(t, "signal:t", sig.Topic)
	assert.Positive(t, sig.PayloadLen)
}

func TestRedact(t *testing.T) {
	payload := map[string]any{
		"Token":  "abc",
		"note":   "ok",
		"nested": map[string]any{"api_key": "xyz", "depth": 2},
	}
	got := Redact(payload)
	assert.Equal(t, "[redacted]", got["Token"])
	assert.Equal(t, "ok", got["note"])
	nested := got["nested"].(map[string]any)
	assert.Equal(t, "[redacted]", nested["api_key"])
	assert.Equal(t, 2, nested["depth"])

	// The input is not mutated.
	assert.Equal(t, "abc", payload["Token"])
}

func TestWaitRedactsPayload(t *testing.T) {
	b := inmem.New()
	s := New(b, Options{})
	ctx := context.Background()

	_, err := s.Send(ctx, "signal:t", map[string]any{"password": "hunter2", "user": "alice"}, "")
	require.NoError(t, err)

	got, err := s.Wait(ctx, "signal:t", "", time.Second, "")
	require.NoError(t, err)
	payload := got.Message["payload"].(map[string]any)
	assert.Equal(t, "[redacted]", payload["password"])
	assert.Equal(t, "alice", payload["user"])
}

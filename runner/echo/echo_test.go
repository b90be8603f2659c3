package echo

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flock/envelope"
)

func TestRunStreamsTokensThenOutput(t *testing.T) {
	r := New()
	env := envelope.New("conv-1", "user:alice", "agent:Echo", envelope.TypeMessage, "héllo")

	events, err := r.Run(context.Background(), env, nil)
	require.NoError(t, err)

	var tokens []string
	var output *envelope.OutputEvent
	for ev := range events {
		switch e := ev.(type) {
		case *envelope.TokenEvent:
			require.Nil(t, output, "no tokens after the terminal event")
			assert.Equal(t, len(tokens), e.Index)
			tokens = append(tokens, e.Text)
		case *envelope.OutputEvent:
			output = e
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}

	require.NotNil(t, output)
	assert.Equal(t, "héllo", output.Text)
	assert.Equal(t, "héllo", strings.Join(tokens, ""), "tokens reconstruct the output")
	assert.Len(t, tokens, 5, "tokens are runes, not bytes")
}

func TestRunStopsOnCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	env := envelope.New("conv-1", "user:alice", "agent:Echo", envelope.TypeMessage, strings.Repeat("x", 100))

	events, err := r.Run(ctx, env, nil)
	require.NoError(t, err)

	// Read one event then cancel; the runner must close the channel instead
	// of blocking forever on its unread events.
	<-events
	cancel()
	for range events {
	}
}

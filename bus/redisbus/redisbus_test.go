package redisbus

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidEntryID(t *testing.T) {
	valid := []string{"0-0", "1692000000000-0", "5-12"}
	for _, id := range valid {
		assert.True(t, validEntryID(id), id)
	}
	invalid := []string{"", "-", "5", "abc-0", "5-0-1x", "5-", "-0", "c0ffee"}
	for _, id := range invalid {
		assert.False(t, validEntryID(id), id)
	}
}

func TestToEntry(t *testing.T) {
	m := redis.XMessage{
		ID:     "5-0",
		Values: map[string]any{"id": "uuid-1", "payload": `{"k":1}`},
	}
	e := toEntry("t", m)
	assert.Equal(t, "uuid-1", e.ID)
	assert.Equal(t, "t", e.Topic)
	assert.Equal(t, "5-0", e.Cursor)
	assert.Equal(t, `{"k":1}`, string(e.Payload))

	// Entries without a stored UUID fall back to the stream entry ID.
	e = toEntry("t", redis.XMessage{ID: "6-0", Values: map[string]any{"payload": "{}"}})
	assert.Equal(t, "6-0", e.ID)
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{URL: "://bad"})
	require.Error(t, err)

	b, err := New(Options{URL: "redis://localhost:6379/0"})
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestNewGeneratesConsumerName(t *testing.T) {
	b, err := New(Options{URL: "redis://localhost:6379", Group: "agent:A"})
	require.NoError(t, err)
	assert.NotEmpty(t, b.consumer)

	b, err = New(Options{URL: "redis://localhost:6379", Group: "agent:A", Consumer: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", b.consumer)
}

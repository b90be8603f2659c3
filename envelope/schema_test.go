package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeDoc(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestValidateJSON(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		valid bool
	}{
		{
			name:  "minimal valid",
			body:  `{"conversation_id":"c1","sender":"user:alice","recipient":"agent:DevAgent","type":"message"}`,
			valid: true,
		},
		{
			name:  "full valid",
			body:  `{"id":"abc","conversation_id":"c1","sender":"agent:A","recipient":"chat:c1","type":"control","content":"pause","metadata":{"k":1},"created_at":"2026-01-02T03:04:05Z"}`,
			valid: true,
		},
		{
			name:  "unknown top-level fields allowed",
			body:  `{"conversation_id":"c1","sender":"user:alice","recipient":"agent:A","type":"message","x_custom":true}`,
			valid: true,
		},
		{
			name: "missing required field",
			body: `{"conversation_id":"c1","sender":"user:alice","type":"message"}`,
		},
		{
			name: "empty conversation id",
			body: `{"conversation_id":"","sender":"user:alice","recipient":"agent:A","type":"message"}`,
		},
		{
			name: "bad sender scheme",
			body: `{"conversation_id":"c1","sender":"bot:alice","recipient":"agent:A","type":"message"}`,
		},
		{
			name: "bad recipient scheme",
			body: `{"conversation_id":"c1","sender":"user:alice","recipient":"user:bob","type":"message"}`,
		},
		{
			name: "bad type",
			body: `{"conversation_id":"c1","sender":"user:alice","recipient":"agent:A","type":"broadcast"}`,
		},
		{
			name: "metadata not an object",
			body: `{"conversation_id":"c1","sender":"user:alice","recipient":"agent:A","type":"message","metadata":[1]}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateJSON(decodeDoc(t, tc.body))
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

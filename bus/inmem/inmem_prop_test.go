package inmem

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/flock/bus"
)

// TestBusProperties verifies the ordering and cursor contracts every backend
// must honor, exercised over randomized publish sequences.
func TestBusProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()

	properties.Property("reads preserve publish order", prop.ForAll(
		func(payloads []string) bool {
			b := New()
			for i := range payloads {
				if _, err := b.Publish(ctx, "t", bus.NewMessage("t", fmt.Appendf(nil, "%q", payloads[i]))); err != nil {
					return false
				}
			}
			entries, err := b.Read(ctx, "t", bus.ReadOptions{After: "-", Limit: len(payloads) + 1})
			if err != nil || len(entries) != len(payloads) {
				return false
			}
			for i, e := range entries {
				if string(e.Payload) != fmt.Sprintf("%q", payloads[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("cursors are strictly increasing", prop.ForAll(
		func(n int) bool {
			b := New()
			prev := ""
			for i := 0; i < n; i++ {
				cursor, err := b.Publish(ctx, "t", bus.NewMessage("t", []byte("{}")))
				if err != nil || cursor <= prev {
					return false
				}
				prev = cursor
			}
			return true
		},
		gen.IntRange(1, 50),
	))

	properties.Property("resume after cursor k yields exactly the suffix", prop.ForAll(
		func(n, k int) bool {
			if k >= n {
				k = n - 1
			}
			b := New()
			cursors := make([]string, n)
			for i := 0; i < n; i++ {
				cursor, err := b.Publish(ctx, "t", bus.NewMessage("t", fmt.Appendf(nil, "%d", i)))
				if err != nil {
					return false
				}
				cursors[i] = cursor
			}
			entries, err := b.Read(ctx, "t", bus.ReadOptions{After: cursors[k], Limit: n})
			if err != nil || len(entries) != n-k-1 {
				return false
			}
			for i, e := range entries {
				if string(e.Payload) != fmt.Sprintf("%d", k+1+i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 39),
	))

	properties.Property("group delivers each entry exactly once before ack timeout", prop.ForAll(
		func(n int, consumers int) bool {
			b := New()
			for i := 0; i < n; i++ {
				if _, err := b.Publish(ctx, "t", bus.NewMessage("t", fmt.Appendf(nil, "%d", i))); err != nil {
					return false
				}
			}
			seen := make(map[string]int)
			for c := 0; c < consumers; c++ {
				view := b.WithGroup("g", fmt.Sprintf("c%d", c))
				entries, err := view.Read(ctx, "t", bus.ReadOptions{Limit: n})
				if err != nil {
					return false
				}
				for _, e := range entries {
					seen[e.Cursor]++
				}
			}
			if len(seen) > n {
				return false
			}
			for _, count := range seen {
				if count != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 4),
	))

	properties.Property("duplicate publishes stay identifiable by message ID", prop.ForAll(
		func(n int) bool {
			b := New()
			msg := bus.NewMessage("t", []byte("{}"))
			for i := 0; i < n; i++ {
				if _, err := b.Publish(ctx, "t", msg); err != nil {
					return false
				}
			}
			entries, err := b.Read(ctx, "t", bus.ReadOptions{After: "-", Limit: n})
			if err != nil || len(entries) != n {
				return false
			}
			// Distinct cursors, one canonical ID: consumers dedup by ID.
			unique := make(map[string]struct{})
			for _, e := range entries {
				if e.ID != msg.ID {
					return false
				}
				unique[e.Cursor] = struct{}{}
			}
			return len(unique) == n
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// Package echo provides a deterministic runner for development and tests:
// it streams the envelope content back one rune at a time and terminates
// with an output event equal to the full content.
package echo

import (
	"context"

	"goa.design/flock/envelope"
	"goa.design/flock/worker"
)

// Runner echoes envelope content.
type Runner struct{}

// New constructs an echo runner.
func New() *Runner { return &Runner{} }

// Run implements worker.Runner.
func (*Runner) Run(ctx context.Context, env *envelope.Envelope, _ *worker.Session) (<-chan envelope.StreamEvent, error) {
	out := make(chan envelope.StreamEvent)
	go func() {
		defer close(out)
		text := env.Content
		for i, r := range []rune(text) {
			if !emit(ctx, out, envelope.NewToken(env.ConversationID, string(r), i)) {
				return
			}
		}
		emit(ctx, out, envelope.NewOutput(env.ConversationID, text, nil))
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- envelope.StreamEvent, ev envelope.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package orchestrate fans work out to child conversations of an agent and
// offers signal-based fan-in. The helper is stateless: it publishes child
// envelopes through the same dual-topic path as the gateway and, when asked,
// blocks on the children's done topics.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/flock/bus"
	"goa.design/flock/envelope"
	"goa.design/flock/signal"
)

// DefaultTimeout applies when SplitRequest.Timeout is zero and Wait is set.
const DefaultTimeout = 30 * time.Second

type (
	// Splitter publishes fan-out envelopes and waits on done signals.
	Splitter struct {
		bus     bus.Bus
		signals *signal.Signaler
	}

	// SplitRequest describes one fan-out.
	SplitRequest struct {
		// Task is the parent task description embedded in each subtask.
		Task string
		// N is the number of child conversations to create.
		N int
		// ParentID names the parent conversation; done topics are derived
		// from it.
		ParentID string
		// TargetAgent receives every child envelope.
		TargetAgent string
		// Responsibilities and AllowedPaths are forwarded verbatim in the
		// orchestration metadata for the child runner to honor.
		Responsibilities []string
		AllowedPaths     []string
		// Sender is recorded on the child envelopes. Defaults to
		// "agent:orchestrator".
		Sender string
		// Wait blocks until every child signaled done or Timeout passed.
		Wait    bool
		Timeout time.Duration
	}

	// SplitResult reports the created children and, when Wait was set, the
	// aggregated fan-in outcome.
	SplitResult struct {
		OK         bool                    `json:"ok"`
		Children   []string                `json:"children"`
		DoneTopics []string                `json:"done_topics"`
		Wait       *signal.MultiWaitResult `json:"wait,omitempty"`
	}
)

// New constructs a Splitter. The signaler is only required for Wait support.
func New(b bus.Bus, signals *signal.Signaler) *Splitter {
	return &Splitter{bus: b, signals: signals}
}

// Split allocates N child conversations, publishes one subtask envelope per
// child and returns the conversation IDs and done topics. With Wait set it
// then blocks on all done topics and folds the result in.
func (s *Splitter) Split(ctx context.Context, req SplitRequest) (SplitResult, error) {
	if req.N <= 0 {
		return SplitResult{}, errors.New("n must be positive")
	}
	if req.TargetAgent == "" {
		return SplitResult{}, errors.New("target agent is required")
	}
	sender := req.Sender
	if sender == "" {
		sender = "agent:orchestrator"
	}
	parent := req.ParentID
	if parent == "" {
		parent = "conv-parent-" + shortID()
	}

	result := SplitResult{OK: true}
	for i := 0; i < req.N; i++ {
		conv := "conv-child-" + shortID()
		doneTopic := envelope.SignalTopic(fmt.Sprintf("orchestrate/%s/%d/done", parent, i))

		env := envelope.New(conv, sender, "agent:"+req.TargetAgent, envelope.TypeMessage,
			fmt.Sprintf("Subtask %d/%d for: %s", i+1, req.N, req.Task))
		env.Metadata = map[string]any{
			"orchestrate": map[string]any{
				"parent_id":        parent,
				"done_topic":       doneTopic,
				"responsibilities": toAny(req.Responsibilities),
				"allowed_paths":    toAny(req.AllowedPaths),
			},
		}
		if err := s.publish(ctx, env); err != nil {
			return SplitResult{}, fmt.Errorf("publish child %d: %w", i, err)
		}
		result.Children = append(result.Children, conv)
		result.DoneTopics = append(result.DoneTopics, doneTopic)
	}

	if req.Wait {
		if s.signals == nil {
			return SplitResult{}, errors.New("wait requested but no signaler configured")
		}
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		wait, err := s.signals.WaitAll(ctx, result.DoneTopics, nil, timeout, parent)
		if err != nil {
			return SplitResult{}, err
		}
		result.Wait = &wait
		result.OK = wait.OK
	}
	return result, nil
}

// publish mirrors the gateway's ingress path: agent topic plus conversation
// topic so passive observers of the child conversation see the envelope.
func (s *Splitter) publish(ctx context.Context, env *envelope.Envelope) error {
	for _, topic := range envelope.PublishTopics(env.Recipient, env.ConversationID) {
		msg, err := bus.MarshalMessage(topic, env)
		if err != nil {
			return err
		}
		msg.ID = env.ID
		if _, err := s.bus.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

func shortID() string { return uuid.NewString()[:8] }

func toAny(items []string) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

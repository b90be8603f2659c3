// Package worker implements the agent worker: it drains the inbound topic of
// one named agent in consumer-group mode, invokes the runner per envelope,
// mirrors the runner's event stream onto the conversation's egress topic and
// acknowledges the inbound entry.
//
// Delivery is at-least-once: every inbound envelope either produces a
// terminal OutputEvent on the egress topic (possibly synthetic) or is logged
// and acknowledged as malformed. Workers never silently drop envelopes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"goa.design/flock/bus"
	"goa.design/flock/envelope"
	"goa.design/flock/signal"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultBlockWait  = time.Second
	DefaultRunTimeout = 5 * time.Minute

	publishAttempts   = 3
	publishBackoffMin = 50 * time.Millisecond
	publishBackoffMax = time.Second

	idleBackoffMin = 50 * time.Millisecond
	idleBackoffMax = 200 * time.Millisecond

	// outputDigestLen bounds the digest attached to orchestration done
	// signals.
	outputDigestLen = 160
)

type (
	// Worker binds one agent name to a bus and a runner. Construct the bus
	// in consumer-group mode (stable group per agent, unique consumer per
	// process); parallelism comes from running more worker processes in the
	// same group.
	Worker struct {
		agent    string
		bus      bus.Bus
		runner   Runner
		sessions *SessionStore
		signals  *signal.Signaler
		opts     Options

		envelopes    metric.Int64Counter
		runnerErrors metric.Int64Counter
		retries      metric.Int64Counter
	}

	// Options tunes the worker loop.
	Options struct {
		// BlockWait is the blocking read wait on the inbound topic.
		BlockWait time.Duration
		// RunTimeout caps the wall-clock duration of a single run. A runner
		// still streaming past it gets cut off with a synthetic terminal
		// event.
		RunTimeout time.Duration
		// AutoDone enables the child-completion signal: after the terminal
		// event of a run whose envelope carries orchestrate.done_topic, the
		// worker sends a signal with a digest of the output.
		AutoDone bool
		// Signals is required when AutoDone is set.
		Signals *signal.Signaler
	}
)

// New constructs a worker for the named agent.
func New(agent string, b bus.Bus, r Runner, opts Options) *Worker {
	if opts.BlockWait <= 0 {
		opts.BlockWait = DefaultBlockWait
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	meter := otel.Meter("goa.design/flock/worker")
	envelopes, _ := meter.Int64Counter("flock.worker.envelopes")
	runnerErrors, _ := meter.Int64Counter("flock.worker.runner_errors")
	retries, _ := meter.Int64Counter("flock.worker.publish_retries")
	return &Worker{
		agent:        agent,
		bus:          b,
		runner:       r,
		sessions:     NewSessionStore(),
		signals:      opts.Signals,
		opts:         opts,
		envelopes:    envelopes,
		runnerErrors: runnerErrors,
		retries:      retries,
	}
}

// AgentName returns the bound agent name.
func (w *Worker) AgentName() string { return w.agent }

// Run subscribes to the agent's inbound topic and processes envelopes until
// ctx is canceled. The current envelope is drained and acknowledged before
// returning.
func (w *Worker) Run(ctx context.Context) error {
	inbound := envelope.AgentTopic(w.agent)
	control, handlesControl := w.runner.(ControlHandler)
	backoff := idleBackoffMin
	log.Print(ctx, log.KV{K: "msg", V: "worker listening"}, log.KV{K: "agent", V: w.agent}, log.KV{K: "topic", V: inbound})
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		entries, err := w.bus.Read(ctx, inbound, bus.ReadOptions{Limit: 1, Block: w.opts.BlockWait})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			log.Errorf(ctx, err, "inbound read failed: topic=%s", inbound)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, idleBackoffMax)
			continue
		}
		if handlesControl {
			w.drainControl(ctx, control)
		}
		if len(entries) == 0 {
			// Blocking reads already paced us; the extra backoff only
			// matters for backends without a blocking mode.
			if w.opts.BlockWait <= 0 {
				if !sleep(ctx, backoff) {
					return nil
				}
				backoff = min(backoff*2, idleBackoffMax)
			}
			continue
		}
		backoff = idleBackoffMin
		for _, entry := range entries {
			// Shutdown drains the claimed envelope: the run, its terminal
			// event and the ack all complete even if ctx is canceled
			// mid-processing. The loop exits on the next iteration.
			w.processEntry(context.WithoutCancel(ctx), entry)
		}
	}
}

// ProcessAvailable performs one non-blocking drain pass and reports how many
// envelopes were processed. Tests and embedders drive the worker with it.
func (w *Worker) ProcessAvailable(ctx context.Context) (int, error) {
	inbound := envelope.AgentTopic(w.agent)
	entries, err := w.bus.Read(ctx, inbound, bus.ReadOptions{})
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		w.processEntry(ctx, entry)
	}
	return len(entries), nil
}

func (w *Worker) processEntry(ctx context.Context, entry bus.Entry) {
	w.envelopes.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", w.agent)))

	var env envelope.Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		// Malformed bus entry: log, ack, continue. Crashing the subscriber
		// would turn one poison entry into a stalled agent.
		log.Errorf(ctx, err, "skipping malformed envelope: cursor=%s", entry.Cursor)
		w.ack(ctx, entry)
		return
	}
	if env.ID == "" {
		env.ID = entry.ID
	}

	w.runAndStream(ctx, &env)
	w.ack(ctx, entry)
}

// runAndStream executes one run and mirrors its events onto the egress
// topic. All failure modes end in a terminal OutputEvent so that stream
// observers always see the run conclude.
func (w *Worker) runAndStream(ctx context.Context, env *envelope.Envelope) {
	runCtx, cancel := context.WithTimeout(ctx, w.opts.RunTimeout)
	defer cancel()

	session := w.sessions.Get(env.ConversationID)
	events, err := w.runner.Run(runCtx, env, session)
	if err != nil {
		w.runnerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", w.agent)))
		log.Errorf(ctx, err, "runner failed to start: conversation=%s", env.ConversationID)
		w.finish(ctx, env, fmt.Sprintf("run failed: %v", err))
		return
	}

	sawOutput := false
	var output string
	for {
		select {
		case <-runCtx.Done():
			if !sawOutput {
				log.Errorf(ctx, runCtx.Err(), "run timed out without terminal event: conversation=%s", env.ConversationID)
				w.finish(ctx, env, "run timed out before producing output")
			}
			return
		case ev, ok := <-events:
			if !ok {
				if !sawOutput {
					w.runnerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", w.agent)))
					w.finish(ctx, env, "runner ended without producing output")
					return
				}
				w.recordTurns(env, session, output)
				w.autoDone(ctx, env, output)
				return
			}
			if !w.publishEvent(ctx, env.ConversationID, ev) {
				if !sawOutput {
					w.finish(ctx, env, "event publish failed; run aborted")
				}
				return
			}
			if out, ok := ev.(*envelope.OutputEvent); ok {
				sawOutput = true
				output = out.Text
			}
		}
	}
}

// finish publishes an error LogEvent followed by a synthetic terminal
// OutputEvent. Used on every non-happy path so the stream always terminates.
func (w *Worker) finish(ctx context.Context, env *envelope.Envelope, summary string) {
	w.publishEvent(ctx, env.ConversationID, envelope.NewLog(env.ConversationID, "error", "worker", summary))
	w.publishEvent(ctx, env.ConversationID, envelope.NewOutput(env.ConversationID, "[error] "+summary, nil))
	w.autoDone(ctx, env, "")
}

// publishEvent publishes one event to the conversation stream with capped
// backoff on transient failures. Returns false once retries are exhausted.
func (w *Worker) publishEvent(ctx context.Context, conversationID string, ev envelope.StreamEvent) bool {
	topic := envelope.StreamTopic(conversationID)
	payload, err := envelope.MarshalEvent(ev)
	if err != nil {
		log.Errorf(ctx, err, "event marshal failed: conversation=%s", conversationID)
		return false
	}
	backoff := publishBackoffMin
	for attempt := 1; ; attempt++ {
		_, err = w.bus.Publish(ctx, topic, bus.NewMessage(topic, payload))
		if err == nil {
			return true
		}
		if attempt >= publishAttempts {
			log.Errorf(ctx, err, "egress publish failed: topic=%s", topic)
			return false
		}
		w.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", w.agent)))
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = min(backoff*4, publishBackoffMax)
	}
}

func (w *Worker) recordTurns(env *envelope.Envelope, session *Session, output string) {
	if env.Content != "" {
		session.Append("user", env.Content)
	}
	if output != "" {
		session.Append("assistant", output)
	}
}

// autoDone emits the child-completion signal when the processed envelope
// carries an orchestration done topic and the feature is enabled.
func (w *Worker) autoDone(ctx context.Context, env *envelope.Envelope, output string) {
	if !w.opts.AutoDone || w.signals == nil {
		return
	}
	hints, ok := env.Orchestrate()
	if !ok || hints.DoneTopic == "" {
		return
	}
	digest := output
	if len(digest) > outputDigestLen {
		digest = digest[:outputDigestLen]
	}
	if _, err := w.signals.Send(ctx, hints.DoneTopic, map[string]any{"output_digest": digest}, env.ConversationID); err != nil {
		log.Errorf(ctx, err, "done signal failed: topic=%s", hints.DoneTopic)
	}
}

// drainControl delivers pending control envelopes to the runner's control
// handler. Control processing is best-effort and never blocks the chat loop.
func (w *Worker) drainControl(ctx context.Context, handler ControlHandler) {
	topic := envelope.ControlTopic(w.agent)
	entries, err := w.bus.Read(ctx, topic, bus.ReadOptions{Limit: 10})
	if err != nil {
		log.Debugf(ctx, "control read failed: %v", err)
		return
	}
	for _, entry := range entries {
		var env envelope.Envelope
		if err := json.Unmarshal(entry.Payload, &env); err != nil {
			log.Debugf(ctx, "skipping malformed control envelope: %v", err)
			w.ack(ctx, entry)
			continue
		}
		if err := handler.HandleControl(ctx, &env); err != nil {
			log.Errorf(ctx, err, "control handler failed: agent=%s", w.agent)
		}
		w.ack(ctx, entry)
	}
}

func (w *Worker) ack(ctx context.Context, entry bus.Entry) {
	if err := w.bus.Ack(ctx, entry.Topic, entry.Cursor); err != nil {
		log.Errorf(ctx, err, "ack failed: topic=%s cursor=%s", entry.Topic, entry.Cursor)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

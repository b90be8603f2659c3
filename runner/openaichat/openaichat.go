// Package openaichat adapts the OpenAI Chat Completions streaming API to the
// worker runner contract. Deltas become token events with monotone indexes
// and the accumulated completion becomes the terminal output event with
// usage accounting. The per-conversation transcript lives in the worker
// session so follow-up turns carry context.
package openaichat

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/flock/envelope"
	"goa.design/flock/worker"
)

type (
	// ChatStreamer is the subset of the OpenAI client the runner needs;
	// tests substitute a fake.
	ChatStreamer interface {
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Runner streams chat completions for each envelope.
	Runner struct {
		chat         ChatStreamer
		model        string
		instructions string
	}

	// Options configures the runner.
	Options struct {
		// Client is the streaming client. Required unless APIKey is set.
		Client ChatStreamer
		// APIKey builds a default client when Client is nil.
		APIKey string
		// Model is the chat model identifier. Required.
		Model string
		// Instructions is the optional system prompt prepended to every
		// conversation.
		Instructions string
	}
)

// New constructs an OpenAI-backed runner.
func New(opts Options) (*Runner, error) {
	chat := opts.Client
	if chat == nil {
		if opts.APIKey == "" {
			return nil, errors.New("openai api key or client is required")
		}
		client := openai.NewClient(option.WithAPIKey(opts.APIKey))
		chat = &client.Chat.Completions
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	return &Runner{chat: chat, model: opts.Model, instructions: opts.Instructions}, nil
}

// Run implements worker.Runner. The returned channel closes after the
// terminal output event; API failures before any output surface as the
// start error so the worker synthesizes the terminal event.
func (r *Runner) Run(ctx context.Context, env *envelope.Envelope, session *worker.Session) (<-chan envelope.StreamEvent, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(r.model),
		Messages: r.messages(env, session),
	}
	stream := r.chat.NewStreaming(ctx, params)

	out := make(chan envelope.StreamEvent)
	go func() {
		defer close(out)
		defer stream.Close()

		var acc openai.ChatCompletionAccumulator
		index := 0
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !emit(ctx, out, envelope.NewToken(env.ConversationID, delta, index)) {
				return
			}
			index++
		}
		if err := stream.Err(); err != nil {
			// Tokens may already be out; emit a diagnostic and let the
			// worker close the run with its synthetic output.
			emit(ctx, out, envelope.NewLog(env.ConversationID, "error", "openaichat", err.Error()))
			return
		}
		text := ""
		if len(acc.Choices) > 0 {
			text = acc.Choices[0].Message.Content
		}
		emit(ctx, out, envelope.NewOutput(env.ConversationID, text, usage(acc)))
	}()
	return out, nil
}

// messages builds the completion request from the optional system prompt,
// the session transcript and the new envelope content.
func (r *Runner) messages(env *envelope.Envelope, session *worker.Session) []openai.ChatCompletionMessageParamUnion {
	turns := session.Turns()
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+2)
	if r.instructions != "" {
		msgs = append(msgs, openai.SystemMessage(r.instructions))
	}
	for _, t := range turns {
		switch t.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return append(msgs, openai.UserMessage(env.Content))
}

func usage(acc openai.ChatCompletionAccumulator) map[string]any {
	if acc.Usage.TotalTokens == 0 {
		return nil
	}
	return map[string]any{
		"prompt_tokens":     acc.Usage.PromptTokens,
		"completion_tokens": acc.Usage.CompletionTokens,
		"total_tokens":      acc.Usage.TotalTokens,
	}
}

func emit(ctx context.Context, out chan<- envelope.StreamEvent, ev envelope.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

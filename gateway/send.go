package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"goa.design/flock/bus"
	"goa.design/flock/envelope"
)

type sendResponse struct {
	OK          bool     `json:"ok"`
	ID          string   `json:"id"`
	PublishedTo []string `json:"published_to"`
}

// handleSend validates an envelope and publishes it to the inbound topics:
// the agent topic when the recipient addresses an agent, and the
// conversation topic always. No bus traffic is generated for invalid
// requests.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if g.limiter != nil && !g.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "send rate exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "read body: "+err.Error())
		return
	}

	// Schema validation runs on the decoded document so violations report
	// paths; a decode failure is a plain 400.
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "malformed JSON")
		return
	}
	if err := envelope.ValidateJSON(doc); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidEnvelope, err.Error())
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidEnvelope, err.Error())
		return
	}
	if env.ID == "" {
		// Client-supplied ids are used verbatim; the gateway does not
		// deduplicate.
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidEnvelope, err.Error())
		return
	}

	topics := envelope.PublishTopics(env.Recipient, env.ConversationID)
	for _, topic := range topics {
		msg, err := bus.MarshalMessage(topic, &env)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeBadRequest, err.Error())
			return
		}
		msg.ID = env.ID
		if _, err := g.bus.Publish(ctx, topic, msg); err != nil {
			if errors.Is(err, bus.ErrUnavailable) {
				writeError(w, http.StatusServiceUnavailable, codeBusUnavailable, "bus unavailable")
				return
			}
			writeError(w, http.StatusInternalServerError, codeBusUnavailable, err.Error())
			return
		}
	}
	g.sends.Add(ctx, 1, metric.WithAttributes(attribute.String("recipient", env.Recipient)))

	// Mirror the inbound message onto the conversation stream so observers
	// see the user's side too. Best-effort: the inbound publish already
	// happened.
	ev := envelope.NewUserMessage(env.ConversationID, env.Sender, env.Content)
	if payload, err := envelope.MarshalEvent(ev); err == nil {
		streamTopic := envelope.StreamTopic(env.ConversationID)
		if _, err := g.bus.Publish(ctx, streamTopic, bus.NewMessage(streamTopic, payload)); err != nil {
			log.Debugf(ctx, "user_message mirror failed: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, sendResponse{OK: true, ID: env.ID, PublishedTo: topics})
}

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"goa.design/flock/bus"
	"goa.design/flock/envelope"
)

// wsEvent is the JSON frame written per bus entry on WebSocket streams. The
// cursor plays the role of the SSE id line so clients can resume over either
// transport.
type wsEvent struct {
	Cursor string          `json:"cursor"`
	Event  json.RawMessage `json:"event"`
}

// handleWS mirrors the SSE stream over a WebSocket for clients (terminal
// UIs, browsers behind proxies that buffer SSE) that prefer message framing.
// Resume uses the same since query parameter as the SSE endpoint.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := g.mux.Vars(r)["conversation_id"]
	topic := envelope.StreamTopic(conversationID)

	maxEvents, ok := g.maxEvents(w, r)
	if !ok {
		return
	}
	after, err := g.resumeCursor(r, topic)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeBusUnavailable, "bus unavailable")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Debugf(ctx, "websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	g.streams.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", "ws")))

	sent := 0
	lastWrite := time.Now()
	for {
		entries, err := g.bus.Read(ctx, topic, bus.ReadOptions{After: after, Limit: readBatch})
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf(ctx, err, "ws stream read failed: topic=%s", topic)
			}
			return
		}
		for _, entry := range entries {
			frame := wsEvent{Cursor: entry.Cursor, Event: entry.Payload}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			after = entry.Cursor
			sent++
			lastWrite = time.Now()
			if maxEvents > 0 && sent >= maxEvents {
				return
			}
		}
		if len(entries) > 0 {
			continue
		}
		if time.Since(lastWrite) > heartbeatInterval {
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			lastWrite = time.Now()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(idleSleep):
		}
	}
}

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"goa.design/flock/bus"
	"goa.design/flock/envelope"
)

// startCursor addresses the beginning of a topic; backends accept it as an
// exclusive-start sentinel before the first entry.
const startCursor = "-"

// handleStream tails a conversation's egress topic over SSE. Each bus entry
// becomes one event framed as
//
//	id: <cursor>
//	data: <compact json>
//
// Resume follows the SSE convention: the Last-Event-ID header (or the since
// query parameter, which wins) seeks the bus past that cursor; without one
// the stream starts at the live tail.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := g.mux.Vars(r)["conversation_id"]
	topic := envelope.StreamTopic(conversationID)

	maxEvents, ok := g.maxEvents(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, codeBadRequest, "streaming unsupported")
		return
	}

	after, err := g.resumeCursor(r, topic)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeBusUnavailable, "bus unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.streams.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", "sse")))
	log.Debugf(ctx, "stream open: conversation=%s after=%q", conversationID, after)

	sent := 0
	lastWrite := time.Now()
	for {
		entries, err := g.bus.Read(ctx, topic, bus.ReadOptions{After: after, Limit: readBatch})
		if err != nil {
			if errors.Is(err, bus.ErrInvalidCursor) {
				// The resume cursor fell out of retention. Restart from the
				// earliest entry and tell the client why.
				warn := envelope.NewLog(conversationID, "warning", "gateway",
					"resume cursor expired; replaying from earliest retained event")
				if payload, merr := envelope.MarshalEvent(warn); merr == nil {
					writeSSE(w, startCursor, payload)
					flusher.Flush()
					lastWrite = time.Now()
				}
				after = startCursor
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Errorf(ctx, err, "stream read failed: topic=%s", topic)
			return
		}
		for _, entry := range entries {
			writeSSE(w, entry.Cursor, entry.Payload)
			after = entry.Cursor
			sent++
			if maxEvents > 0 && sent >= maxEvents {
				flusher.Flush()
				return
			}
		}
		if len(entries) > 0 {
			flusher.Flush()
			lastWrite = time.Now()
			continue
		}
		if time.Since(lastWrite) > heartbeatInterval {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			lastWrite = time.Now()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(idleSleep):
		}
	}
}

// maxEvents resolves the per-connection event cap from the query parameter
// and the configured limits. max_events=0 is rejected as a usage error.
func (g *Gateway) maxEvents(w http.ResponseWriter, r *http.Request) (int, bool) {
	maxEvents := g.opts.MaxEvents
	if raw := r.URL.Query().Get("max_events"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusUnprocessableEntity, codeBadRequest, "max_events must be a positive integer")
			return 0, false
		}
		maxEvents = min(n, g.opts.MaxEventsCap)
		if g.opts.MaxEvents > 0 {
			maxEvents = min(maxEvents, g.opts.MaxEvents)
		}
	}
	return maxEvents, true
}

// resumeCursor picks the starting position: explicit since parameter, then
// the Last-Event-ID header, then the live tail (resolved via a single tail
// read so no history is replayed).
func (g *Gateway) resumeCursor(r *http.Request, topic string) (string, error) {
	if since := r.URL.Query().Get("since"); since != "" {
		return since, nil
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		return last, nil
	}
	entries, err := g.bus.Read(r.Context(), topic, bus.ReadOptions{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return startCursor, nil
	}
	return entries[len(entries)-1].Cursor, nil
}

func writeSSE(w http.ResponseWriter, cursor string, payload []byte) {
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", cursor, payload)
}

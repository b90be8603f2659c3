package gateway

import (
	"context"
	"net/http"
	"time"

	"goa.design/flock/bus"
)

// probeTimeout bounds the readiness bus probe.
const probeTimeout = 2 * time.Second

// handleHealth reports process liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleReady probes the bus. Backends exposing Ping are asked directly;
// otherwise a cheap tail read on a probe topic stands in.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	var err error
	if p, ok := g.bus.(Pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, err = g.bus.Read(ctx, "flock:probe", bus.ReadOptions{Limit: 1})
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeNotReady, "bus probe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

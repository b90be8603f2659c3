// Package gateway exposes the HTTP surface of the runtime: message ingress
// on POST /send, live event egress over SSE on GET /stream/{conversation_id}
// (and a WebSocket mirror on /ws/{conversation_id}), plus health and
// readiness probes.
//
// The gateway is stateless. It validates envelopes, publishes them to the
// bus and tails egress topics on behalf of clients; all run state lives
// behind the bus.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/flock/bus"
)

// Defaults for the streaming endpoints.
const (
	// DefaultMaxEventsCap bounds the per-connection max_events parameter.
	DefaultMaxEventsCap = 10000
	// heartbeatInterval is how long a stream may stay idle before a
	// keepalive comment is written.
	heartbeatInterval = 15 * time.Second
	// idleSleep paces the read loop when the bus returned no entries.
	idleSleep = 100 * time.Millisecond
	// readBatch is the bus read limit per loop iteration.
	readBatch = 100
	// maxBodyBytes caps ingress request bodies.
	maxBodyBytes = 1 << 20
)

type (
	// Pinger is implemented by buses that support a lightweight liveness
	// probe; the readiness endpoint uses it when available.
	Pinger interface {
		Ping(ctx context.Context) error
	}

	// Gateway serves the HTTP API over a bus.
	Gateway struct {
		bus      bus.Bus
		mux      goahttp.Muxer
		opts     Options
		upgrader websocket.Upgrader
		limiter  *rate.Limiter

		sends   metric.Int64Counter
		streams metric.Int64Counter
	}

	// Options configures a Gateway.
	Options struct {
		// MaxEvents caps events per stream connection; zero means no cap
		// beyond what the client requests.
		MaxEvents int
		// MaxEventsCap clamps client-requested max_events. Zero selects
		// DefaultMaxEventsCap.
		MaxEventsCap int
		// SendRate enables ingress rate limiting when positive
		// (requests/second, burst of the same size).
		SendRate int
		// Debug mounts the clue debug endpoints and body logging.
		Debug bool
	}
)

// New constructs a Gateway over the given bus.
func New(b bus.Bus, opts Options) *Gateway {
	if opts.MaxEventsCap <= 0 {
		opts.MaxEventsCap = DefaultMaxEventsCap
	}
	var limiter *rate.Limiter
	if opts.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendRate)
	}
	meter := otel.Meter("goa.design/flock/gateway")
	sends, _ := meter.Int64Counter("flock.gateway.sends")
	streams, _ := meter.Int64Counter("flock.gateway.stream_connections")
	return &Gateway{
		bus:     b,
		mux:     goahttp.NewMuxer(),
		opts:    opts,
		limiter: limiter,
		sends:   sends,
		streams: streams,
	}
}

// Handler builds the HTTP handler: routes, request logging and, in debug
// mode, the clue debug mounts.
func (g *Gateway) Handler(ctx context.Context) http.Handler {
	mux := g.mux
	if g.opts.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	mux.Handle("POST", "/send", g.handleSend)
	mux.Handle("GET", "/stream/{conversation_id}", g.handleStream)
	mux.Handle("GET", "/ws/{conversation_id}", g.handleWS)
	mux.Handle("GET", "/health", g.handleHealth)
	mux.Handle("GET", "/ready", g.handleReady)

	var handler http.Handler = mux
	if g.opts.Debug {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// Command flock-gateway serves the HTTP ingress and streaming egress. With
// BUS_URL set it fronts the shared Redis bus; without it it runs in
// single-process mode on the in-memory bus with an embedded worker so the
// whole runtime fits in one binary for development.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"goa.design/flock/bus"
	"goa.design/flock/bus/inmem"
	"goa.design/flock/bus/redisbus"
	"goa.design/flock/config"
	"goa.design/flock/gateway"
	"goa.design/flock/runner/echo"
	"goa.design/flock/runner/openaichat"
	signalpkg "goa.design/flock/signal"
	"goa.design/flock/worker"
)

func main() {
	var (
		addrF   = flag.String("addr", "", "HTTP listen address (overrides GATEWAY_ADDR)")
		configF = flag.String("config", "", "Optional YAML config file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *addrF != "" {
		cfg.GatewayAddr = *addrF
	}

	var (
		b        bus.Bus
		embedded bool
	)
	if cfg.BusURL == "" {
		log.Printf(ctx, "no BUS_URL; running single-process mode on the in-memory bus")
		b = inmem.New()
		embedded = true
	} else {
		b, err = redisbus.New(redisbus.Options{URL: cfg.BusURL})
		if err != nil {
			log.Fatal(ctx, err)
		}
	}

	gw := gateway.New(b, gateway.Options{
		MaxEvents: cfg.GatewayMaxEvents,
		SendRate:  cfg.GatewaySendRate,
		Debug:     *dbgF,
	})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	if embedded {
		startEmbeddedWorker(ctx, cfg, b.(*inmem.Bus), &wg)
	}

	srv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           gw.Handler(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "HTTP server listening on %s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "server shutdown")
	}
	wg.Wait()
	log.Printf(ctx, "exited")
}

// startEmbeddedWorker runs one worker inside the gateway process so the
// in-memory bus has a consumer. The runner is OpenAI-backed when an API key
// is configured, otherwise the echo runner.
func startEmbeddedWorker(ctx context.Context, cfg config.Config, b *inmem.Bus, wg *sync.WaitGroup) {
	agent := cfg.AgentName
	if agent == "" {
		agent = "DevAgent"
	}
	var (
		r   worker.Runner
		err error
	)
	if cfg.OpenAIAPIKey != "" {
		r, err = openaichat.New(openaichat.Options{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.OpenAIModel,
			Instructions: cfg.Instructions,
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
	} else {
		r = echo.New()
	}
	groupBus := b.WithGroup("agent:"+agent, "gateway-embedded")
	signals := signalpkg.New(b, signalpkg.Options{
		TopicPrefix:     cfg.SignalTopicPrefix,
		PayloadMaxBytes: cfg.SignalPayloadMaxBytes,
	})
	w := worker.New(agent, groupBus, r, worker.Options{
		BlockWait: cfg.WorkerBlock(),
		AutoDone:  cfg.OrchestrateAutoDone,
		Signals:   signals,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			log.Errorf(ctx, err, "embedded worker stopped")
		}
	}()
}

// Command flock-worker runs one agent worker against the shared Redis bus.
// Horizontal scaling is by process count: every worker for the same agent
// joins the consumer group "agent:<name>" and the group partitions delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/flock/bus/redisbus"
	"goa.design/flock/config"
	"goa.design/flock/runner/echo"
	"goa.design/flock/runner/openaichat"
	signalpkg "goa.design/flock/signal"
	"goa.design/flock/worker"
)

func main() {
	var (
		agentF  = flag.String("agent", "", "Agent name (overrides AGENT_NAME)")
		configF = flag.String("config", "", "Optional YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *agentF != "" {
		cfg.AgentName = *agentF
	}
	if cfg.AgentName == "" {
		log.Fatal(ctx, fmt.Errorf("AGENT_NAME is required"))
	}
	if cfg.BusURL == "" {
		// The in-memory bus cannot be shared across processes; a standalone
		// worker is only meaningful against the Redis bus.
		log.Fatal(ctx, fmt.Errorf("BUS_URL is required for a standalone worker"))
	}

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	groupBus, err := redisbus.New(redisbus.Options{
		URL:      cfg.BusURL,
		Group:    "agent:" + cfg.AgentName,
		Consumer: consumer,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	// Separate tail-mode connection for signal traffic so signal waits are
	// not turned into consumer-group reads.
	tailBus, err := redisbus.New(redisbus.Options{URL: cfg.BusURL})
	if err != nil {
		log.Fatal(ctx, err)
	}

	r := buildRunner(ctx, cfg)
	signals := signalpkg.New(tailBus, signalpkg.Options{
		TopicPrefix:     cfg.SignalTopicPrefix,
		PayloadMaxBytes: cfg.SignalPayloadMaxBytes,
	})
	w := worker.New(cfg.AgentName, groupBus, r, worker.Options{
		BlockWait: cfg.WorkerBlock(),
		AutoDone:  cfg.OrchestrateAutoDone,
		Signals:   signals,
	})

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Printf(ctx, "shutting down (%s)", sig)
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}

// buildRunner selects the OpenAI runner when an API key is configured and
// the echo runner otherwise.
func buildRunner(ctx context.Context, cfg config.Config) worker.Runner {
	if cfg.OpenAIAPIKey == "" {
		log.Printf(ctx, "no OPENAI_API_KEY; using echo runner")
		return echo.New()
	}
	r, err := openaichat.New(openaichat.Options{
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAIModel,
		Instructions: cfg.Instructions,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	return r
}

// Command flock is the terminal client: it posts one message to an agent
// through the gateway and follows the conversation stream until the run's
// terminal output event arrives or the timeout passes.
//
// Exit codes: 0 success, 2 timeout waiting for output, 3 send failed,
// 4 stream connect failed, 5 usage error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"goa.design/flock/client"
	"goa.design/flock/envelope"
)

// Exit codes.
const (
	exitOK           = 0
	exitTimeout      = 2
	exitSendFailed   = 3
	exitStreamFailed = 4
	exitUsage        = 5
)

// errDone signals the stream callback observed the terminal event.
var errDone = errors.New("done")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("flock", flag.ContinueOnError)
	var (
		baseURL   = fs.String("base-url", "http://localhost:8080", "Gateway base URL")
		agent     = fs.String("agent", "DevAgent", "Recipient agent name")
		conv      = fs.String("conv", "", "Conversation id (generated when empty)")
		sender    = fs.String("sender", "user:cli", "Sender address")
		message   = fs.String("message", "", "Message to send (required)")
		timeout   = fs.Duration("timeout", 60*time.Second, "How long to wait for the output event")
		maxEvents = fs.Int("max-events", 0, "Stop after N stream events (0 = until output)")
		quiet     = fs.Bool("quiet", false, "Print only the final output text")
		jsonOut   = fs.Bool("json", false, "Print raw event JSON, one per line")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *message == "" {
		fmt.Fprintln(os.Stderr, "flock: --message is required")
		fs.Usage()
		return exitUsage
	}
	conversationID := *conv
	if conversationID == "" {
		conversationID = "conv-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(*baseURL)
	env := envelope.New(conversationID, *sender, "agent:"+*agent, envelope.TypeMessage, *message)
	if _, err := c.Send(ctx, env); err != nil {
		fmt.Fprintf(os.Stderr, "flock: %v\n", err)
		return exitSendFailed
	}
	if !*quiet && !*jsonOut {
		fmt.Printf("conversation: %s\n", conversationID)
	}

	err := c.Stream(ctx, conversationID, client.StreamOptions{MaxEvents: *maxEvents}, func(ev client.Event) error {
		printEvent(ev, *quiet, *jsonOut)
		if _, ok := ev.Event.(*envelope.OutputEvent); ok {
			return errDone
		}
		return nil
	})
	switch {
	case errors.Is(err, errDone):
		return exitOK
	case errors.Is(err, client.ErrStreamClosed):
		return exitOK
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		fmt.Fprintln(os.Stderr, "flock: timed out waiting for output")
		return exitTimeout
	default:
		fmt.Fprintf(os.Stderr, "flock: %v\n", err)
		return exitStreamFailed
	}
}

func printEvent(ev client.Event, quiet, jsonOut bool) {
	if jsonOut {
		line, _ := json.Marshal(struct {
			Cursor string          `json:"cursor"`
			Event  json.RawMessage `json:"event"`
		}{Cursor: ev.Cursor, Event: ev.Raw})
		fmt.Println(string(line))
		return
	}
	switch e := ev.Event.(type) {
	case *envelope.TokenEvent:
		if !quiet {
			fmt.Print(e.Text)
		}
	case *envelope.ToolStepEvent:
		if !quiet {
			if e.ResultSummary != "" {
				fmt.Printf("\n[tool %s] %s\n", e.Name, e.ResultSummary)
			} else {
				fmt.Printf("\n[tool %s]\n", e.Name)
			}
		}
	case *envelope.OutputEvent:
		if quiet {
			fmt.Println(e.Text)
		} else {
			fmt.Printf("\n")
		}
	case *envelope.LogEvent:
		if !quiet {
			fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", e.Level, e.Component, e.Message)
		}
	}
}

// Package client is the Go client for the flock gateway: it posts envelopes
// to /send and follows /stream SSE responses, exposing decoded stream events
// with their cursors so callers can resume.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"goa.design/flock/envelope"
)

// ErrStreamClosed reports that the server ended the stream (for example
// because max_events was reached) before the caller stopped it.
var ErrStreamClosed = errors.New("stream closed by server")

type (
	// Client talks to one gateway.
	Client struct {
		// BaseURL is the gateway root, e.g. "http://localhost:8080".
		BaseURL string
		// HTTPClient defaults to http.DefaultClient. Stream responses are
		// long-lived; do not set a client timeout, use context deadlines.
		HTTPClient *http.Client
	}

	// SendResult is the ingress response.
	SendResult struct {
		OK          bool     `json:"ok"`
		ID          string   `json:"id"`
		PublishedTo []string `json:"published_to"`
	}

	// Event is one SSE event: the bus cursor and the decoded stream event.
	// Raw preserves the exact wire payload.
	Event struct {
		Cursor string
		Event  envelope.StreamEvent
		Raw    json.RawMessage
	}

	// StreamOptions controls a Stream call.
	StreamOptions struct {
		// Since resumes strictly after this cursor (sent as Last-Event-ID).
		Since string
		// MaxEvents asks the server to close the stream after N events.
		MaxEvents int
	}
)

// New constructs a client for the gateway at baseURL.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: http.DefaultClient}
}

// Send posts an envelope to /send.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) (SendResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return SendResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SendResult{}, fmt.Errorf("send failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SendResult{}, fmt.Errorf("decode send response: %w", err)
	}
	return result, nil
}

// Stream follows the conversation's SSE stream and invokes fn per event
// until fn returns an error, ctx is canceled, or the server closes the
// stream (ErrStreamClosed). A connect failure is reported before any event
// is delivered.
func (c *Client) Stream(ctx context.Context, conversationID string, opts StreamOptions, fn func(Event) error) error {
	u := fmt.Sprintf("%s/stream/%s", c.BaseURL, url.PathEscape(conversationID))
	if opts.MaxEvents > 0 {
		u += "?max_events=" + strconv.Itoa(opts.MaxEvents)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.Since != "" {
		req.Header.Set("Last-Event-ID", opts.Since)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream connect: unexpected status %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(ct), "text/event-stream") {
		return fmt.Errorf("stream connect: unexpected content type %q", ct)
	}
	return readSSE(resp.Body, fn)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// readSSE parses the event-stream framing: id/data lines accumulate until a
// blank line dispatches the event; comment lines (heartbeats) are skipped.
func readSSE(body io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var cursor string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				cursor = ""
				continue
			}
			ev, err := envelope.UnmarshalEvent(data)
			if err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			if err := fn(Event{Cursor: cursor, Event: ev, Raw: data}); err != nil {
				return err
			}
			cursor, data = "", nil
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
		case strings.HasPrefix(line, "id:"):
			cursor = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamClosed
}

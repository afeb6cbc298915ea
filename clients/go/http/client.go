// Package http provides an HTTP client for the flag delivery service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	flagdelivery "github.com/TzachiGitHub/feature-flag-service-sub000/clients/go"
)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the server, e.g. "http://localhost:8080".
	BaseURL string
	// Credential is the SDK bearer token in "keyID.secret" format.
	Credential string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements flagdelivery.Evaluator, FlagFetcher, Streamer, and
// EventReporter over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient returns a new HTTP client for the flag delivery service.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagdelivery: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagdelivery: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagdelivery: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagdelivery: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// encodeContext serializes an evaluation context for the "context" query
// parameter. URL-safe base64 keeps it out of percent-encoding trouble.
func encodeContext(evalCtx flagdelivery.Context) (string, error) {
	raw, err := json.Marshal(evalCtx)
	if err != nil {
		return "", fmt.Errorf("flagdelivery: marshal context: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Flags fetches the raw flag definitions for the credential's environment.
func (c *Client) Flags(ctx context.Context) (map[string]flagdelivery.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/flags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Flags map[string]flagdelivery.Flag `json:"flags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flagdelivery: decode response: %w", err)
	}
	return out.Flags, nil
}

// EvaluateAll evaluates every flag in the environment against evalCtx.
func (c *Client) EvaluateAll(ctx context.Context, evalCtx flagdelivery.Context) (map[string]flagdelivery.Result, error) {
	encoded, err := encodeContext(evalCtx)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/flags?context="+url.QueryEscape(encoded), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Flags map[string]flagdelivery.Result `json:"flags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flagdelivery: decode response: %w", err)
	}
	return out.Flags, nil
}

// Evaluate evaluates one flag against evalCtx.
func (c *Client) Evaluate(ctx context.Context, flagKey string, evalCtx flagdelivery.Context) (flagdelivery.Result, error) {
	encoded, err := encodeContext(evalCtx)
	if err != nil {
		return flagdelivery.Result{}, err
	}
	path := "/flags/" + url.PathEscape(flagKey) + "?context=" + url.QueryEscape(encoded)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return flagdelivery.Result{}, err
	}
	defer resp.Body.Close()

	var result flagdelivery.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return flagdelivery.Result{}, fmt.Errorf("flagdelivery: decode response: %w", err)
	}
	return result, nil
}

// SendEvents reports a batch of evaluation analytics events.
func (c *Client) SendEvents(ctx context.Context, events []flagdelivery.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	resp, err := c.do(ctx, http.MethodPost, "/events", map[string]any{"events": events})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Stream connects to the SSE endpoint and emits events on the returned
// channel until ctx is cancelled. Dropped connections are retried with
// exponential backoff; after every reconnect the server replays a full put,
// and any patch arriving before that put is discarded since its base state
// is unknown.
//
// The initial connection attempt is synchronous so misconfiguration
// (bad URL, bad credential) surfaces as an error instead of a silent
// retry loop.
func (c *Client) Stream(ctx context.Context) (<-chan flagdelivery.Event, error) {
	resp, err := c.connectStream(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan flagdelivery.Event, 16)
	go func() {
		defer close(ch)

		body := resp.Body
		delay := initialReconnectDelay
		for {
			connectedAt := time.Now()
			c.readStream(ctx, body, ch)
			body.Close()

			if ctx.Err() != nil {
				return
			}
			if time.Since(connectedAt) > maxReconnectDelay {
				delay = initialReconnectDelay
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxReconnectDelay)

			next, err := c.connectStream(ctx)
			if err != nil {
				body = io.NopCloser(strings.NewReader(""))
				continue
			}
			body = next.Body
		}
	}()
	return ch, nil
}

func (c *Client) connectStream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("flagdelivery: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Credential)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagdelivery: stream connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// readStream parses SSE frames from r until the connection drops or ctx is
// cancelled. It implements the subset of the SSE spec the server emits:
// id, event, data fields, comment keep-alives, and blank-line dispatch.
func (c *Client) readStream(ctx context.Context, r io.Reader, ch chan<- flagdelivery.Event) {
	br := bufio.NewReaderSize(r, 1<<20)

	var (
		eventType string
		dataLines []string
		sawPut    bool
	)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				event, ok := parseStreamEvent(eventType, data)
				// A patch before the first put of this connection has no
				// known base state; the put that follows supersedes it.
				if ok && event.Type == flagdelivery.EventPut {
					sawPut = true
				}
				if ok && (sawPut || event.Type != flagdelivery.EventPatch) {
					select {
					case ch <- event:
					case <-ctx.Done():
						return
					}
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func parseStreamEvent(eventType, data string) (flagdelivery.Event, bool) {
	if eventType != flagdelivery.EventPut && eventType != flagdelivery.EventPatch {
		return flagdelivery.Event{}, false
	}
	var event flagdelivery.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return flagdelivery.Event{}, false
	}
	event.Type = eventType
	return event, true
}

// Package transport talks to the code generation backend: the SSE generation stream, the stop
// endpoint, and shared HTTP plumbing for the other backend calls.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/youruser/livegen/internal/logging"
)

var (
	ErrRequestFailed = errors.New("backend request failed")
	ErrStreamError   = errors.New("stream error")
	log              = logging.Get()
)

const defaultRequestTimeout = 30 * time.Second

// Client handles communication with the generation backend.
type Client struct {
	baseURL    string
	cookie     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new backend client. The cookie, when set, is forwarded on every request.
func NewClient(baseURL, cookie string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		cookie:     cookie,
		httpClient: &http.Client{},
		timeout:    defaultRequestTimeout,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithTimeout sets the timeout for non-streaming requests.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// StreamCallback is called for each event in the stream, sequentially on the caller's goroutine.
type StreamCallback func(event StreamEvent)

// Generate opens the generation stream and delivers its events until a terminal event
// ("done" or "interrupted"), an error, or cancellation of ctx.
func (c *Client) Generate(ctx context.Context, r GenerateRequest, callback StreamCallback) error {
	params := url.Values{}
	params.Set("appId", r.AppID)
	params.Set("message", r.Message)
	if r.RunID != "" {
		params.Set("runId", r.RunID)
	}
	if r.ModelKey != "" {
		params.Set("modelKey", r.ModelKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/app/chat/gen/code?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.authorize(req)

	log.Debug("HTTP GET %s/app/chat/gen/code (app: %s, run: %s, message: %d bytes)",
		c.baseURL, r.AppID, r.RunID, len(r.Message))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("HTTP request failed: %v", err)
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Error("Backend error %d: %s", resp.StatusCode, string(body))
		return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, errorMessage(body))
	}
	if !isEventStream(resp.Header.Get("Content-Type")) {
		// Business errors come back as a JSON envelope with status 200.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Error("Backend returned %q instead of an event stream: %s", resp.Header.Get("Content-Type"), string(body))
		return fmt.Errorf("%w: not an event stream - %s", ErrRequestFailed, errorMessage(body))
	}

	callback(StreamEvent{Type: EventOpen})
	return c.processStream(ctx, r.RunID, resp.Body, callback)
}

// processStream reads SSE events and calls the callback for each.
func (c *Client) processStream(ctx context.Context, runID string, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		eventType string
		eventID   string
		data      []string
		hasData   bool
	)
	reset := func() {
		eventType, eventID, data, hasData = "", "", data[:0], false
	}

	log.Debug("Starting SSE stream processing")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			// Blank line dispatches the pending event
			if !hasData && eventType == "" {
				continue
			}
			ev := StreamEvent{Type: eventType, ID: eventID, Data: strings.Join(data, "\n")}
			if ev.Type == "" {
				ev.Type = EventMessage
			}
			reset()

			log.Stream(runID, ev.Type, ev.Data)
			callback(ev)
			if ev.Type == EventDone || ev.Type == EventInterrupted {
				return nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // Comment / heartbeat
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			eventID = value
		}
	}

	if err := scanner.Err(); err != nil {
		// When the context is canceled the HTTP body closes and the scanner sees an IO error.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("SSE scanner error: %v", err)
		return fmt.Errorf("%w: %v", ErrStreamError, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Debug("SSE stream ended without a terminal event")
	return fmt.Errorf("%w: stream closed without a terminal event", ErrStreamError)
}

// DecodeChunk extracts the text chunk from a message payload of the form {"d": "..."}.
// An empty chunk is a keepalive.
func DecodeChunk(data string) (string, error) {
	if data == "" {
		return "", nil
	}
	if !gjson.Valid(data) {
		return "", fmt.Errorf("%w: malformed payload", ErrStreamError)
	}
	d := gjson.Get(data, "d")
	if !d.Exists() {
		return "", nil
	}
	if d.Type != gjson.String {
		return "", fmt.Errorf("%w: payload field d is %s", ErrStreamError, d.Type)
	}
	return d.String(), nil
}

// Stop asks the backend to cancel runID.
func (c *Client) Stop(ctx context.Context, runID string) error {
	if runID == "" {
		return nil
	}
	body, err := json.Marshal(StopRequest{RunID: runID})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/app/chat/stop", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	log.Debug("HTTP POST %s/app/chat/stop (run: %s)", c.baseURL, runID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		log.Error("Backend error %d: %s", resp.StatusCode, string(respBody))
		return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, errorMessage(respBody))
	}
	if code := gjson.GetBytes(respBody, "code"); code.Exists() && code.Int() != 0 {
		return fmt.Errorf("%w: stop rejected - %s", ErrRequestFailed, errorMessage(respBody))
	}
	return nil
}

// GetJSON performs an authorized GET and returns the body of a 2xx response.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	log.Debug("HTTP GET %s", target)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		log.Error("Backend error %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// errorMessage pulls the human-readable message out of a backend error envelope.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	return strings.TrimSpace(string(body))
}

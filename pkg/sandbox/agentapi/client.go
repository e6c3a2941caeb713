// Package agentapi talks to the HTTP surface of the agent process running
// inside a sandbox.
package agentapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nstogner/agcluster/pkg/sandbox"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultReadyTimeout = 60 * time.Second
	DefaultQueryTimeout = 5 * time.Minute
)

// Client is safe for concurrent use.
type Client struct {
	HTTP         *http.Client
	PollInterval time.Duration
	QueryTimeout time.Duration
}

// New returns a client with default timings.
func New() *Client {
	return &Client{
		HTTP:         &http.Client{},
		PollInterval: DefaultPollInterval,
		QueryTimeout: DefaultQueryTimeout,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// WaitHealthy polls GET /health until it reports healthy. It returns
// sandbox.ErrProvisioningTimeout if timeout elapses first.
func (c *Client) WaitHealthy(ctx context.Context, endpoint string, timeout time.Duration) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c.healthy(timeoutCtx, endpoint) {
			return nil
		}
		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s not healthy after %s", sandbox.ErrProvisioningTimeout, endpoint, timeout)
		case <-ticker.C:
		}
	}
}

func (c *Client) healthy(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

type queryRequest struct {
	Query   string            `json:"query"`
	History []sandbox.Message `json:"history"`
}

// Query posts to /query and streams the decoded SSE events. The channel is
// closed after a terminal event. Transport failures, a non-200 reply and a
// stream that ends early all produce one terminal error event.
func (c *Client) Query(ctx context.Context, endpoint, text string, history []sandbox.Message) <-chan sandbox.Event {
	out := make(chan sandbox.Event)
	go func() {
		defer close(out)

		timeout := c.QueryTimeout
		if timeout <= 0 {
			timeout = DefaultQueryTimeout
		}
		qctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// send only gives up when the caller goes away, so a timeout can
		// still be reported.
		send := func(ev sandbox.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if history == nil {
			history = []sandbox.Message{}
		}
		body, err := json.Marshal(queryRequest{Query: text, History: history})
		if err != nil {
			send(sandbox.ErrorEvent(fmt.Sprintf("Unexpected error: %v", err)))
			return
		}
		req, err := http.NewRequestWithContext(qctx, http.MethodPost, endpoint+"/query", bytes.NewReader(body))
		if err != nil {
			send(sandbox.ErrorEvent(fmt.Sprintf("Request error: %v", err)))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient().Do(req)
		if err != nil {
			slog.Error("Query request failed", "endpoint", endpoint, "error", err)
			send(sandbox.ErrorEvent(fmt.Sprintf("Request error: %v", err)))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			slog.Error("Query rejected", "endpoint", endpoint, "status", resp.StatusCode)
			send(sandbox.ErrorEvent(fmt.Sprintf("HTTP error: %d", resp.StatusCode)))
			return
		}

		err = ReadEvents(resp.Body, func(ev sandbox.Event) bool {
			if !send(ev) {
				return false
			}
			return !ev.Terminal()
		})
		switch {
		case errors.Is(err, errStopped):
		case ctx.Err() != nil:
		case qctx.Err() != nil:
			send(sandbox.ErrorEvent(fmt.Sprintf("Query timed out after %s", timeout)))
		case err != nil:
			send(sandbox.ErrorEvent(fmt.Sprintf("Stream error: %v", err)))
		default:
			send(sandbox.ErrorEvent("Agent stream ended unexpectedly"))
		}
	}()
	return out
}

var errStopped = errors.New("stopped")

// ReadEvents parses "data: {json}" lines from r and calls fn for each decoded
// event until fn returns false (errStopped) or r is exhausted (nil).
// Undecodable lines are skipped.
func ReadEvents(r io.Reader, fn func(sandbox.Event) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var ev sandbox.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			slog.Warn("Skipping malformed SSE data", "error", err)
			continue
		}
		if !fn(ev) {
			return errStopped
		}
	}
	return sc.Err()
}

// Interrupt asks the agent to abort the running turn.
func (c *Client) Interrupt(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("interrupting agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupting agent: status %d", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("interrupting agent: %s", body.Error)
	}
	return nil
}

// Upload sends files as a multipart form to /upload. A 409 reply maps to
// sandbox.ErrConflict.
func (c *Client) Upload(ctx context.Context, endpoint string, files []sandbox.File, targetPath string, overwrite bool) ([]string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("target_path", targetPath); err != nil {
		return nil, err
	}
	if err := w.WriteField("overwrite", strconv.FormatBool(overwrite)); err != nil {
		return nil, err
	}
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: uploading files: %v", sandbox.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	var result struct {
		Uploaded []string `json:"uploaded"`
		Detail   string   `json:"detail"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", sandbox.ErrConflict, result.Detail)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("uploading files: status %d: %s", resp.StatusCode, result.Detail)
	}
	return result.Uploaded, nil
}

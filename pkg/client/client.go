// Package client talks to a running agcluster API server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nstogner/agcluster/pkg/sandbox"
	"github.com/nstogner/agcluster/pkg/server"
	"github.com/nstogner/agcluster/pkg/session"
	"github.com/nstogner/agcluster/pkg/translate"
)

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New returns a client for the server at baseURL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{},
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Configs(ctx context.Context) (*server.ConfigList, error) {
	var out server.ConfigList
	return &out, c.do(ctx, http.MethodGet, "/api/configs", nil, &out)
}

func (c *Client) Launch(ctx context.Context, req server.LaunchRequest) (*server.LaunchResponse, error) {
	var out server.LaunchResponse
	return &out, c.do(ctx, http.MethodPost, "/api/agents/launch", req, &out)
}

func (c *Client) Sessions(ctx context.Context) (*server.SessionList, error) {
	var out server.SessionList
	return &out, c.do(ctx, http.MethodGet, "/api/agents/sessions", nil, &out)
}

func (c *Client) Session(ctx context.Context, id string) (*session.Summary, error) {
	var out session.Summary
	return &out, c.do(ctx, http.MethodGet, "/api/agents/sessions/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Interrupt(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/sessions/"+url.PathEscape(id)+"/interrupt", nil, nil)
}

// Chat sends text to the session and streams the generic events of the
// turn. The channel is closed when the turn ends or ctx is cancelled; stream
// failures arrive as an error event.
func (c *Client) Chat(ctx context.Context, sessionID, text string) (<-chan translate.Event, error) {
	resp, err := c.request(ctx, http.MethodPost, "/api/agents/chat", server.AgentChatRequest{
		SessionID: sessionID,
		Messages:  []sandbox.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		return nil, err
	}

	out := make(chan translate.Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		send := func(ev translate.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var ev translate.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if !send(ev) || ev.Terminal() {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			send(translate.Event{Kind: translate.KindError, Error: err.Error()})
		}
	}()
	return out, nil
}

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a minimal HTTP client for the agent's local control API.
// Every request carries a fresh X-Request-ID so CLI calls can be
// correlated with agent log lines.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the agent listening at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Get performs a GET request and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post performs a POST request with an optional JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s (is the agent running?): %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}

// errorDocument covers both error shapes the agent produces: RFC 7807
// problem documents (title/detail) and API error envelopes (message,
// sometimes nested under "error").
type errorDocument struct {
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (d *errorDocument) text() string {
	switch {
	case d.Detail != "":
		return d.Detail
	case d.Message != "":
		return d.Message
	case d.Error != nil && d.Error.Message != "":
		return d.Error.Message
	default:
		return d.Title
	}
}

// decodeError turns an error response into something an operator can
// read, falling back to the raw body when it is not JSON.
func decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("agent returned %s", resp.Status)
	}

	var doc errorDocument
	if err := json.Unmarshal(raw, &doc); err == nil {
		if text := doc.text(); text != "" {
			return fmt.Errorf("agent returned %s: %s", resp.Status, text)
		}
	}

	snippet := strings.TrimSpace(string(raw))
	if snippet == "" {
		return fmt.Errorf("agent returned %s", resp.Status)
	}
	return fmt.Errorf("agent returned %s: %s", resp.Status, snippet)
}

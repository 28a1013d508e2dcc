// Package ingest is the HTTP client for the session/event ingest protocol,
// spoken by both the local collector and the hosted backend.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/chronicle/internal/types"
)

const (
	SessionsPath = "/api/v1/sessions"
	EventsPath   = "/api/v1/events"
	HealthPath   = "/health"
)

// Config holds the connection settings for one ingest endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client posts sessions and events to an ingest endpoint.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// New creates a client. Timeout bounds each request on top of whatever
// deadline the caller's context carries.
func New(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingest error (status %d): %s", e.Code, e.Body)
}

// sessionResponse is the body returned by POST /api/v1/sessions.
type sessionResponse struct {
	ID string `json:"id"`
}

// PostSession upserts a session and returns the server-assigned id.
func (c *Client) PostSession(ctx context.Context, in *types.SessionInput) (string, error) {
	var resp sessionResponse
	if err := c.post(ctx, SessionsPath, in, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("no session id in response")
	}
	return resp.ID, nil
}

// PostEvent stores one event.
func (c *Client) PostEvent(ctx context.Context, in *types.EventInput) error {
	return c.post(ctx, EventsPath, in, nil)
}

// Health checks the endpoint's liveness route.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(HealthPath), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + path
}

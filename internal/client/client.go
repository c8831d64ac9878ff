// Package client talks to a running pushdeploy server on behalf of the CLI.
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
	"time"

	"pushdeploy/internal/domain"
)

// DefaultBaseURL is the address serve listens on by default
const DefaultBaseURL = "http://127.0.0.1:8080"

// ErrStreamEnded is returned by Follow when the feed closes without a
// completion event
var ErrStreamEnded = errors.New("log stream ended without a status event")

// Client provides typed access to the pushdeploy API
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; streams last as long as a deployment
	streamClient *http.Client
}

// Option customises client instantiation
type Option func(*Client)

// WithHTTPClient overrides the client used for plain API calls
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided server base URL
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the server
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// DeployRequest is the body of a manual deployment
type DeployRequest struct {
	Source  string `json:"source,omitempty"`
	Pusher  string `json:"pusher,omitempty"`
	Message string `json:"message,omitempty"`
}

// DeployResponse acknowledges a started deployment
type DeployResponse struct {
	Message      string `json:"message"`
	DeploymentID string `json:"deployment_id"`
	Service      string `json:"service"`
}

// Deploy starts a deployment of service
func (c *Client) Deploy(ctx context.Context, service string, req DeployRequest) (*DeployResponse, error) {
	var out DeployResponse
	if err := c.do(ctx, http.MethodPost, "/api/services/"+url.PathEscape(service)+"/deploy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns deployments newest first
func (c *Client) List(ctx context.Context, f domain.Filter) ([]*domain.Deployment, error) {
	query := url.Values{}
	if f.Status != "" {
		query.Set("status", string(f.Status))
	}
	if f.Service != "" {
		query.Set("service", f.Service)
	}
	if f.Limit > 0 {
		query.Set("limit", strconv.Itoa(f.Limit))
	}

	path := "/api/deployments"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out struct {
		Deployments []*domain.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// Get returns one deployment with its log
func (c *Client) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	var out domain.Deployment
	if err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests cancellation of a deployment
func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/api/deployments/"+url.PathEscape(id)+"/cancel", body, nil)
}

// Follow reads a deployment's log feed, calling fn for each log event, and
// returns the completion event. Returning an error from fn stops reading.
func (c *Client) Follow(ctx context.Context, id string, fn func(domain.StreamEvent) error) (*domain.StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/deployments/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open log stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	return readEvents(resp.Body, fn)
}

// readEvents parses a server-sent event stream. Only data lines carry
// payload; comments, ids and event names are informational.
func readEvents(r io.Reader, fn func(domain.StreamEvent) error) (*domain.StreamEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev domain.StreamEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return nil, fmt.Errorf("decode event: %w", err)
			}
			data.Reset()

			switch ev.Type {
			case domain.EventStatus:
				return &ev, nil
			case domain.EventError:
				return nil, fmt.Errorf("log stream: %s", ev.Error)
			}
			if err := fn(ev); err != nil {
				return nil, err
			}

		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log stream: %w", err)
	}
	return nil, ErrStreamEnded
}

package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Request is one extraction job.
type Request struct {
	Target       string
	Instructions string
	Timeout      time.Duration
}

// Result is a successful extraction.
type Result struct {
	Items    []Item
	Dropped  int
	Progress []Progress
}

// AdapterError is a failure reported by the adapter itself.
type AdapterError struct {
	Message string
}

func (e *AdapterError) Error() string { return "extract: adapter: " + e.Message }

// Client posts extraction requests to the adapter endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client for the adapter at endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type wireRequest struct {
	Target       string `json:"target"`
	Instructions string `json:"instructions"`
	TimeoutMs    int64  `json:"timeoutMs"`
}

// Extract runs one extraction. The request is bounded by ctx; the timeout
// in req is forwarded to the adapter so it can stop early on its side.
func (c *Client) Extract(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(wireRequest{
		Target:       req.Target,
		Instructions: req.Instructions,
		TimeoutMs:    req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("extract: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extract: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("extract: http %d", resp.StatusCode)
	}

	res := &Result{}
	var final Event
	err = Decode(resp.Body, func(ev Event) error {
		switch e := ev.(type) {
		case Progress:
			res.Progress = append(res.Progress, e)
			c.logger.Debug("extract: progress", "target", req.Target, "message", e.Message, "percent", e.Percent)
		default:
			final = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch e := final.(type) {
	case Failure:
		return nil, &AdapterError{Message: e.Message}
	case Complete:
		res.Items, res.Dropped, err = ParseResult(e.Result)
		if err != nil {
			return nil, err
		}
		if res.Dropped > 0 {
			c.logger.Warn("extract: dropped invalid items", "target", req.Target, "dropped", res.Dropped)
		}
	}
	return res, nil
}

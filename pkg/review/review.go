// Package review opens review requests against a VCS hosting API.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request describes a review request to open.
type Request struct {
	Repo  string `json:"repo"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Ref identifies an opened review request.
type Ref struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Opener is the hosting-API contract the orchestrator publishes through.
type Opener interface {
	OpenReviewRequest(ctx context.Context, req Request) (Ref, error)
}

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the hosting API root, e.g. https://forge.example.com/api.
	BaseURL string

	// Token authenticates requests. Sent as a bearer token.
	Token string

	// Timeout bounds each API call. Default: 30s.
	Timeout time.Duration
}

// Client opens review requests over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ Opener = (*Client)(nil)

// NewClient creates a hosting-API client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("review API base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}, nil
}

// OpenReviewRequest creates a review request for the pushed branch.
func (c *Client) OpenReviewRequest(ctx context.Context, req Request) (Ref, error) {
	if req.Repo == "" || req.Head == "" || req.Base == "" {
		return Ref{}, errors.New("repo, head, and base are required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Ref{}, fmt.Errorf("marshal review request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/repos/" + req.Repo + "/pulls"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ref{}, fmt.Errorf("build review request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Ref{}, fmt.Errorf("open review request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Ref{}, fmt.Errorf("review API returned %s", resp.Status)
	}

	var ref Ref
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return Ref{}, fmt.Errorf("decode review response: %w", err)
	}
	if ref.URL == "" {
		return Ref{}, errors.New("review API response missing url")
	}
	return ref, nil
}

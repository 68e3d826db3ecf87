// Package render dispatches image-to-video requests to the external render
// service. Dispatch is fire-and-forget: the render outcome arrives later as
// a webhook callback, never as a synchronous response.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"videoloop/internal/apperrors"
)

// Request is one render dispatch for a job loop.
type Request struct {
	RootID      string // correlation id, echoed back via the callback URL
	ImageURL    string // seed image for this segment
	CallbackURL string // webhook the render service calls with the outcome

	requeues int // times requeued due to open circuit (dispatcher internal)
}

// payload mirrors the render service's wire contract. Frozen.
type payload struct {
	Input   input  `json:"input"`
	Webhook string `json:"webhook"`
}

type input struct {
	ImageURL       string `json:"image_url"`
	Steps          int    `json:"steps"`
	Prompt         string `json:"prompt,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

// ClientConfig holds render service connection settings.
type ClientConfig struct {
	BaseURL        string // e.g. https://api.runpod.ai
	EndpointID     string // serverless endpoint id
	APIKey         string // bearer credential
	Steps          int
	Prompt         string
	NegativePrompt string
	HTTPTimeout    time.Duration
}

// Validate checks the credentials required to dispatch at all.
func (c ClientConfig) Validate() error {
	if c.EndpointID == "" {
		return apperrors.Configuration("RENDER_ENDPOINT_ID is not set")
	}
	if c.APIKey == "" {
		return apperrors.Configuration("RENDER_API_KEY is not set")
	}
	return nil
}

// Client submits render requests over HTTP.
type Client struct {
	client *http.Client
	cfg    ClientConfig
}

// NewClient creates a render client with standard transport settings.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg: cfg,
	}
}

// Submit posts one render request. A nil return means the request was
// accepted for rendering, not that the render succeeded.
func (c *Client) Submit(ctx context.Context, req *Request) error {
	body, err := json.Marshal(payload{
		Input: input{
			ImageURL:       req.ImageURL,
			Steps:          c.cfg.Steps,
			Prompt:         c.cfg.Prompt,
			NegativePrompt: c.cfg.NegativePrompt,
		},
		Webhook: req.CallbackURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal render payload: %w", err)
	}

	url := fmt.Sprintf("%s/v2/%s/run", strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.EndpointID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("render dispatch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

// HTTPError represents a non-2xx dispatch response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError returns true for 4xx responses (retrying won't help).
func IsClientError(err error) bool {
	if he, ok := err.(*HTTPError); ok {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}

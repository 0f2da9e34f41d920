// Package coinsnap is a Go client for the retry daemon's HTTP status
// endpoints.
package coinsnap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to a running coinsnap-retry daemon.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the daemon listening at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	c := resty.New()
	c.SetBaseURL(strings.TrimRight(baseURL, "/"))
	c.SetTimeout(30 * time.Second)
	return &Client{http: c}
}

// LastRun describes the daemon's most recent retry run.
type LastRun struct {
	RunID    string         `json:"run_id"`
	Kind     string         `json:"kind"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Counts   map[string]int `json:"counts"`
	Queued   int            `json:"queued"`
	Removed  int            `json:"removed"`
	Error    string         `json:"error,omitempty"`
}

// Status is the daemon state returned by GET /status.
type Status struct {
	Healthy bool       `json:"healthy"`
	Started time.Time  `json:"started"`
	Runs    int        `json:"runs"`
	Next    *time.Time `json:"next,omitempty"`
	Last    *LastRun   `json:"last,omitempty"`
}

// GetStatus retrieves the daemon status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/status")
	if err != nil {
		return nil, fmt.Errorf("GET /status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /status: HTTP %d", resp.StatusCode())
	}
	var st Status
	if err := json.Unmarshal(resp.Body(), &st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

// Healthy reports whether GET /healthz answers 200.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return false, fmt.Errorf("GET /healthz: %w", err)
	}
	return resp.StatusCode() == http.StatusOK, nil
}

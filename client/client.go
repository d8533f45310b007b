// Package client implements the remote command client for a running snapbuf
// service's control API. It backs the CLI's pause/resume/trigger-write paths.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"snapbuf/api"
	"snapbuf/logging"
)

// Client issues control commands against one service instance.
type Client struct {
	baseURL  string
	http     *http.Client
	password string
}

// New creates a client for the service at baseURL (e.g.
// "http://127.0.0.1:8580").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			// Trigger writes wait on draining and disk I/O; give the
			// service room before giving up.
			Timeout: 30 * time.Second,
		},
	}
}

// SetPassword sets the Basic auth credential for services with a protected
// control API.
func (c *Client) SetPassword(password string) {
	c.password = password
}

// Pause stops the service from buffering new messages.
func (c *Client) Pause(ctx context.Context) error {
	var resp api.RecordResponse
	if err := c.post(ctx, "/pause", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("pause rejected")
	}
	return nil
}

// Resume re-enables buffering of new messages.
func (c *Client) Resume(ctx context.Context) error {
	var resp api.RecordResponse
	if err := c.post(ctx, "/resume", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("resume rejected")
	}
	return nil
}

// TriggerWrite asks the service to flush the named topics (all when empty)
// and returns the resolved container filename.
func (c *Client) TriggerWrite(ctx context.Context, topics []string, filename string) (string, error) {
	req := api.SnapshotRequest{Topics: topics, Filename: filename}
	var resp api.SnapshotResponse
	if err := c.post(ctx, "/snapshot", &req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return resp.Filename, fmt.Errorf("snapshot failed: %s", resp.Error)
	}
	return resp.Filename, nil
}

// Status fetches the node state and per-topic buffer occupancy.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var resp api.StatusResponse

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return resp, err
	}
	if err := c.do(httpReq, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// post sends a JSON request body (nil for none) and decodes the response
// into out. Failed commands return the service's error message.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq, out)
}

// do executes the request and decodes the JSON response. Non-2xx responses
// still carry a JSON body whose error field explains the failure.
func (c *Client) do(req *http.Request, out interface{}) error {
	if c.password != "" {
		req.SetBasicAuth("operator", c.password)
	}

	logClient("%s %s", req.Method, req.URL)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("unauthorized: the control API requires a password")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bad response from %s (status %d): %w", c.baseURL, resp.StatusCode, err)
	}
	return nil
}

func logClient(format string, args ...interface{}) {
	logging.DebugLog("client", format, args...)
}

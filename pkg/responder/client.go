package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the endpoint response (EDR/IAM) API that carries out containment
type Client struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
}

// NewClient creates a new responder API client. With an empty apiKey the
// client runs in mock mode and never performs network calls.
func NewClient(apiKey, apiURL string) *Client {
	return &Client{
		apiKey: strings.TrimSpace(apiKey),
		apiURL: strings.TrimRight(strings.TrimSpace(apiURL), "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Mock reports whether the client is running without credentials
func (c *Client) Mock() bool {
	return c.apiKey == ""
}

// Receipt is the responder's acknowledgement of an action
type Receipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Mock   bool   `json:"mock,omitempty"`
}

// IsolateHost cuts a host off the network
func (c *Client) IsolateHost(ctx context.Context, host string) (*Receipt, error) {
	// POST /v1/hosts/{host}/isolation
	return c.do(ctx, http.MethodPost, "/v1/hosts/"+url.PathEscape(host)+"/isolation", nil, "isolate host")
}

// ReleaseHost lifts a host isolation
func (c *Client) ReleaseHost(ctx context.Context, host string) (*Receipt, error) {
	// DELETE /v1/hosts/{host}/isolation
	return c.do(ctx, http.MethodDelete, "/v1/hosts/"+url.PathEscape(host)+"/isolation", nil, "release host")
}

// QuarantineFile moves a file on a host into quarantine
func (c *Client) QuarantineFile(ctx context.Context, host, path string) (*Receipt, error) {
	return c.do(ctx, http.MethodPost, "/v1/quarantine", map[string]any{
		"host": host,
		"path": path,
	}, "quarantine file")
}

// RestoreFile releases a quarantined file
func (c *Client) RestoreFile(ctx context.Context, host, path string) (*Receipt, error) {
	return c.do(ctx, http.MethodPost, "/v1/quarantine/restore", map[string]any{
		"host": host,
		"path": path,
	}, "restore file")
}

// ResetCredentials forces a credential reset and revokes active sessions
func (c *Client) ResetCredentials(ctx context.Context, userID string) (*Receipt, error) {
	return c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(userID)+"/credentials/reset", nil, "reset credentials")
}

// CollectForensics requests a forensic snapshot of a host
func (c *Client) CollectForensics(ctx context.Context, host string, artifacts []string) (*Receipt, error) {
	return c.do(ctx, http.MethodPost, "/v1/hosts/"+url.PathEscape(host)+"/forensics", map[string]any{
		"artifacts": artifacts,
	}, "collect forensics")
}

func (c *Client) do(ctx context.Context, method, path string, payload map[string]any, what string) (*Receipt, error) {
	if c.Mock() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Receipt{ID: fmt.Sprintf("mock-%d", time.Now().UnixNano()), Status: "accepted", Mock: true}, nil
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", what, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("responder API authentication failed: %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to %s: status %d, body: %s", what, resp.StatusCode, string(respBody))
	}

	receipt := &Receipt{Status: "accepted"}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, receipt); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", what, err)
		}
	}
	return receipt, nil
}

// setAuthHeaders sets authentication headers for responder API requests
func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("X-Auth-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")
}

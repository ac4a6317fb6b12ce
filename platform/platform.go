// Package platform is a client for the hosting platform that backs anvil:
// per-repository virtual machines, a git-backed repository store, a
// deployment registry, and identity/permission management.
//
// The rest of the codebase consumes narrow interfaces (vmtool.Sandbox,
// repostate.GitAPI, deploystate.GitLog, deploystate.Registry); *Client
// implements all of them.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound reports that the requested object does not exist on the
// platform (missing file, unknown repo, unknown VM).
var ErrNotFound = errors.New("platform: not found")

// Client talks to the platform's HTTP API.
// Fields should not be altered concurrently with calling any method.
type Client struct {
	BaseURL string
	APIKey  string
	HTTPC   *http.Client // defaults to a client with a 30s timeout if nil
}

// NewClient returns a Client for the given API endpoint.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPC:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) httpc() *http.Client {
	if c.HTTPC != nil {
		return c.HTTPC
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// do issues a JSON request and decodes the JSON response into out (when
// out is non-nil). A 404 is returned as ErrNotFound; other non-2xx
// statuses are returned as errors carrying the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("platform: marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpc().Do(req)
	if err != nil {
		return fmt.Errorf("platform: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("platform: %s %s: status %s: %s", method, path, resp.Status, buf)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: decode response: %w", err)
	}
	return nil
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}

// Package client talks to a running watch daemon's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tigscm/internal/api"
	"tigscm/internal/revstore"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Minute,
		},
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status: %s: %s", resp.Status, msg)
	}
	return resp, nil
}

// Status asks the daemon for a reconciliation.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return nil, fmt.Errorf("fetching status: %w", err)
	}
	defer resp.Body.Close()

	var result api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &result, nil
}

func (c *Client) Content(ctx context.Context, key revstore.Key) ([]byte, error) {
	resp, err := c.get(ctx, (&url.URL{Path: "/content/" + key.Path}).EscapedPath()+"?node="+key.Node.String())
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Package mcp provides MCP server tools for batchload.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gateway-fm/batchload/internal/storage"
)

// Client is a thin HTTP client for the batchload status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new status API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Get performs a GET request and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, path)
}

func (c *Client) do(ctx context.Context, method, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return json.RawMessage(body), nil
}

// History is where the run history tools read from.
type History interface {
	List(ctx context.Context, limit, offset int) (json.RawMessage, error)
	Run(ctx context.Context, id string) (json.RawMessage, error)
	Delete(ctx context.Context, id string) error
}

// StoreHistory reads run history straight from a store, so it works
// without a running instance.
type StoreHistory struct {
	Store storage.RunStore
}

// List implements History.
func (h StoreHistory) List(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	page, err := h.Store.ListRuns(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return json.Marshal(page)
}

// Run implements History.
func (h StoreHistory) Run(ctx context.Context, id string) (json.RawMessage, error) {
	run, err := h.Store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	batches, err := h.Store.GetBatches(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"run": run, "batches": batches})
}

// Delete implements History.
func (h StoreHistory) Delete(ctx context.Context, id string) error {
	return h.Store.DeleteRun(ctx, id)
}

// APIHistory reads run history from a running instance.
type APIHistory struct {
	Client *Client
}

// List implements History.
func (h APIHistory) List(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	return h.Client.Get(ctx, fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset))
}

// Run implements History.
func (h APIHistory) Run(ctx context.Context, id string) (json.RawMessage, error) {
	return h.Client.Get(ctx, "/v1/history/"+url.PathEscape(id))
}

// Delete implements History.
func (h APIHistory) Delete(ctx context.Context, id string) error {
	_, err := h.Client.Delete(ctx, "/v1/history/"+url.PathEscape(id))
	return err
}

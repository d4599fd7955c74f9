package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/medbridge/medsync/internal/syncproto"
)

// Client is the HTTP transport for the sync protocol. It carries no retry
// logic of its own; the engine retries whole cycles.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a transport against baseURL. If httpClient is nil a
// client with a 30 second timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Push posts a batch of queued ops and returns the per-op outcomes.
func (c *Client) Push(ctx context.Context, token string, req syncproto.PushRequest) (syncproto.PushResponse, error) {
	var resp syncproto.PushResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("failed to encode push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	if err := c.do(httpReq, &resp); err != nil {
		return resp, fmt.Errorf("push failed: %w", err)
	}
	return resp, nil
}

// Pull fetches deltas since the given watermark. An empty since requests a
// full snapshot.
func (c *Client) Pull(ctx context.Context, token, deviceID, since string) (syncproto.PullResponse, error) {
	var resp syncproto.PullResponse

	q := url.Values{}
	q.Set("deviceId", deviceID)
	if since != "" {
		q.Set("since", since)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return resp, fmt.Errorf("failed to build pull request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	if err := c.do(httpReq, &resp); err != nil {
		return resp, fmt.Errorf("pull failed: %w", err)
	}
	return resp, nil
}

// Healthy probes the store's health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RuntimeClient pushes a block's current body to the external agent runtime.
// Push must be an idempotent upsert keyed by (owner, label): delivering the
// same body twice is harmless.
type RuntimeClient interface {
	Push(ctx context.Context, ownerID, label, body string) error
}

// HTTPRuntimeClient talks to the runtime's cache API over HTTP.
type HTTPRuntimeClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPRuntimeClient creates a runtime client. Token may be empty for
// unauthenticated runtimes.
func NewHTTPRuntimeClient(baseURL, token string) *HTTPRuntimeClient {
	return &HTTPRuntimeClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type pushPayload struct {
	Body string `json:"body"`
}

// Push upserts the block body into the runtime cache.
func (c *HTTPRuntimeClient) Push(ctx context.Context, ownerID, label, body string) error {
	payload, err := json.Marshal(pushPayload{Body: body})
	if err != nil {
		return fmt.Errorf("marshaling push payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/cache/blocks/%s/%s",
		c.baseURL, url.PathEscape(ownerID), url.PathEscape(label))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing block to runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("runtime push returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

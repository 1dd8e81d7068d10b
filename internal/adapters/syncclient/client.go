// Package syncclient implements the client side of the sync HTTP surface,
// pairing with the routes served by adapters/httpapi.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
)

const defaultClientTimeout = 30 * time.Second

// Client is the HTTP SyncGateway. Every request carries the API key; the
// duplicate-gate refusal travels in the pull response's error field and is
// surfaced as domain.ErrDuplicatesOutstanding.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) PullEvents(ctx context.Context, cursor domain.Cursor, configID string) (domain.EventPage, error) {
	params := url.Values{}
	if !cursor.IsZero() {
		params.Set("cursor", cursor.String())
	}
	if configID != "" {
		params.Set("configId", configID)
	}

	var resp struct {
		Events     []domain.Event `json:"events"`
		NextCursor string         `json:"nextCursor"`
		Error      string         `json:"error"`
	}
	if err := c.get(ctx, "/v1/sync/pull", params, &resp); err != nil {
		return domain.EventPage{}, err
	}
	if resp.Error != "" {
		return domain.EventPage{}, fmt.Errorf("%w: %s", domain.ErrDuplicatesOutstanding, resp.Error)
	}

	page := domain.EventPage{Events: resp.Events}
	if resp.NextCursor != "" {
		next, err := domain.ParseCursor(resp.NextCursor)
		if err != nil {
			return domain.EventPage{}, fmt.Errorf("parse next cursor: %w", err)
		}
		page.NextCursor = next
	}
	return page, nil
}

func (c *Client) PushEvents(ctx context.Context, events []domain.Event, configID string) (ports.PushOutcome, error) {
	body := map[string]any{"events": events}
	if configID != "" {
		body["configId"] = configID
	}

	var resp struct {
		Status  string            `json:"status"`
		Applied int               `json:"applied"`
		Failed  map[string]string `json:"failed"`
	}
	if err := c.post(ctx, "/v1/sync/push", body, &resp); err != nil {
		return ports.PushOutcome{}, err
	}
	return ports.PushOutcome{Applied: resp.Applied, Failed: resp.Failed}, nil
}

func (c *Client) PullAudit(ctx context.Context, since time.Time) ([]domain.AuditLogEntry, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var resp struct {
		Entries []domain.AuditLogEntry `json:"entries"`
	}
	if err := c.get(ctx, "/v1/sync/audit", params, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) PushAudit(ctx context.Context, entries []domain.AuditLogEntry) error {
	var resp struct {
		Status string `json:"status"`
	}
	return c.post(ctx, "/v1/sync/audit", map[string]any{"entries": entries}, &resp)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case resp.StatusCode == http.StatusConflict:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s", domain.ErrDuplicatesOutstanding, decodeErrorMessage(body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, decodeErrorMessage(body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func decodeErrorMessage(body []byte) string {
	var wire struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		return wire.Error
	}
	return string(bytes.TrimSpace(body))
}

var _ ports.SyncGateway = (*Client)(nil)

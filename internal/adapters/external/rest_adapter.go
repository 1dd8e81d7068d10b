package external

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

const defaultRESTTimeout = 10 * time.Second

// RESTAdapter talks to a third-party system exposing a plain JSON HTTP
// surface. Each request body is signed with HMAC-SHA256 so the receiver
// can verify authenticity; non-2xx responses are errors, letting the sync
// service's batch replay policy take over.
type RESTAdapter struct {
	baseURL string
	secret  []byte
	client  *http.Client

	token string
}

// NewRESTAdapter returns a RESTAdapter posting to baseURL and signing
// bodies with secret. A zero or negative timeout falls back to 10 s.
func NewRESTAdapter(baseURL, secret string, timeout time.Duration) *RESTAdapter {
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}
	return &RESTAdapter{
		baseURL: baseURL,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: timeout},
	}
}

// Authenticate exchanges credentials for a bearer token at POST /auth.
// When the credentials already carry a token it is used as-is and no
// round trip is made.
func (a *RESTAdapter) Authenticate(ctx context.Context, creds domain.Credentials) error {
	if creds.Token != "" {
		a.token = creds.Token
		return nil
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := a.post(ctx, "/auth", payload, &out); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("authenticate: %w", domain.ErrUnauthorized)
	}
	a.token = out.Token
	return nil
}

// PushData POSTs a batch of events to /records. The whole batch is one
// request; the receiver acks by responding 2xx.
func (a *RESTAdapter) PushData(ctx context.Context, events []domain.Event) error {
	payload, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	if err := a.post(ctx, "/records", payload, nil); err != nil {
		return fmt.Errorf("push %d events: %w", len(events), err)
	}
	return nil
}

// PullData GETs records changed since the given instant from /records.
func (a *RESTAdapter) PullData(ctx context.Context, since time.Time) ([]domain.ExternalRecord, error) {
	endpoint := a.baseURL + "/records"
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	a.setHeaders(req, nil)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull records: %w", err)
	}
	defer drainClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pull records: status %d", resp.StatusCode)
	}

	var out struct {
		Records []domain.ExternalRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return out.Records, nil
}

func (a *RESTAdapter) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	a.setHeaders(req, payload)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer drainClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (a *RESTAdapter) setHeaders(req *http.Request, payload []byte) {
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if payload != nil && len(a.secret) > 0 {
		req.Header.Set("X-Hub-Signature-256", "sha256="+a.sign(payload))
	}
}

func (a *RESTAdapter) sign(payload []byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

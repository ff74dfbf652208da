// Package webhooks talks to the operator-supplied HTTP endpoints that can
// veto events, vouch for pubkeys, top up balances and receive acceptance
// notifications. All calls are POST with a JSON body and authenticate via
// an API token passed as a query parameter.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"vidarelay/config"
)

// TokenEnvVar names the environment variable holding the webhook API token.
const TokenEnvVar = "VIDA_API_KEY"

const defaultTimeout = 5 * time.Second

// ErrNotConfigured is returned when a call site is enabled but the base URL
// or endpoint path is missing from settings.
var ErrNotConfigured = errors.New("webhooks: endpoint not configured")

// EventCheckResult is the response body of an event-check call.
type EventCheckResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// PubkeyCheckResult is the response body of a pubkey-check call.
type PubkeyCheckResult struct {
	Pubkey     string `json:"pubkey"`
	IsAdmitted bool   `json:"isAdmitted"`
	Balance    int64  `json:"balance"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type topUpResult struct {
	Success bool `json:"success"`
}

type pubkeyPayload struct {
	Pubkey string `json:"pubkey"`
	Amount int64  `json:"amount"`
}

// Client issues the blocking webhook calls. It is safe for concurrent use.
type Client struct {
	settings   func() *config.Settings
	httpClient *http.Client
	token      string
}

// Option mutates client configuration.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithToken overrides the API token sourced from the environment.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds a webhook client over the given settings getter. The
// API token is read from the environment once at construction.
func NewClient(settings func() *config.Settings, opts ...Option) *Client {
	client := &Client{
		settings: settings,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// One redirect hop is accepted; anything deeper is refused.
				if len(via) > 1 {
					return fmt.Errorf("stopped after one redirect")
				}
				return nil
			},
		},
		token: strings.TrimSpace(os.Getenv(TokenEnvVar)),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// CheckEvent submits the event for an inline veto decision. A transport
// failure is returned as an error and is fatal to the admission.
func (c *Client) CheckEvent(ctx context.Context, evt *nostr.Event) (*EventCheckResult, error) {
	endpoints := c.settings().Webhooks.Endpoints
	body, err := c.post(ctx, endpoints.BaseURL, endpoints.EventCheck, evt)
	if err != nil {
		return nil, err
	}
	result := &EventCheckResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("webhooks: decode event-check response: %w", err)
	}
	return result, nil
}

// Callback notifies the endpoint of an accepted event. The response body
// is ignored; only transport errors are reported.
func (c *Client) Callback(ctx context.Context, evt *nostr.Event) error {
	endpoints := c.settings().Webhooks.Endpoints
	_, err := c.post(ctx, endpoints.BaseURL, endpoints.EventCallback, evt)
	return err
}

// CheckPubkey asks the endpoint whether an unknown pubkey should be
// admitted, quoting the auto top-up amount. A missing or non-2xx response
// yields a nil result without error so the caller can negative-cache it.
func (c *Client) CheckPubkey(ctx context.Context, pubkey string, amount int64) (*PubkeyCheckResult, error) {
	endpoints := c.settings().Webhooks.Endpoints
	body, err := c.post(ctx, endpoints.BaseURL, endpoints.PubkeyCheck, pubkeyPayload{Pubkey: pubkey, Amount: amount})
	if err != nil {
		if errors.Is(err, errRejectedStatus) {
			return nil, nil
		}
		return nil, err
	}
	result := &PubkeyCheckResult{}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, nil
	}
	return result, nil
}

// TopUp requests a balance top-up for pubkey. Transport failures
// propagate; a negative or malformed response reports false.
func (c *Client) TopUp(ctx context.Context, pubkey string, amount int64) (bool, error) {
	endpoints := c.settings().Webhooks.Endpoints
	body, err := c.post(ctx, endpoints.BaseURL, endpoints.TopUps, pubkeyPayload{Pubkey: pubkey, Amount: amount})
	if err != nil {
		if errors.Is(err, errRejectedStatus) {
			return false, nil
		}
		return false, err
	}
	result := topUpResult{}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, nil
	}
	return result.Success, nil
}

// errRejectedStatus marks a reachable endpoint that answered outside 2xx.
// Callers that treat "no" and "unreachable" differently branch on it.
var errRejectedStatus = errors.New("webhooks: non-2xx response")

func (c *Client) post(ctx context.Context, baseURL, path string, payload any) ([]byte, error) {
	target, err := endpointURL(baseURL, path, c.token)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhooks: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("webhooks: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	webhookMetrics().latency.WithLabelValues(path).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, fmt.Errorf("webhooks: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("webhooks: read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %s returned %d", errRejectedStatus, path, resp.StatusCode)
	}
	return body.Bytes(), nil
}

func endpointURL(baseURL, path, token string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	path = strings.TrimSpace(path)
	if baseURL == "" || path == "" {
		return "", ErrNotConfigured
	}
	target := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}
	return target, nil
}

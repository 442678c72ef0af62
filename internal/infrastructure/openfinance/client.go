package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	syncPageSize   = 500

	transactionsSyncPath = "/transactions/sync"
	accountsPath         = "/accounts/get"
	balancesPath         = "/accounts/balance/get"
	holdingsPath         = "/investments/holdings/get"
	liabilitiesPath      = "/liabilities/get"
	verificationKeyPath  = "/webhook_verification_key/get"
)

type Config struct {
	ClientID  string
	Secret    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	RateBurst int
}

// Client handles communication with the provider API
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	secret     string
	limiter    *rate.Limiter
	recorder   Recorder
	now        func() time.Time
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

type ClientOption func(*Client)

// WithRecorder logs every call made by the client.
func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new provider API client
func NewClient(cfg Config, opts ...ClientOption) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		clientID:   cfg.ClientID,
		secret:     cfg.Secret,
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*TransactionsSyncResponse, error) {
	if count <= 0 {
		count = syncPageSize
	}
	body := map[string]any{"access_token": accessToken, "count": count}
	if cursor != "" {
		body["cursor"] = cursor
	}

	var resp TransactionsSyncResponse
	if err := c.post(ctx, transactionsSyncPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetAccounts(ctx context.Context, accessToken string) (*AccountsResponse, error) {
	var resp AccountsResponse
	if err := c.post(ctx, accountsPath, map[string]any{"access_token": accessToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetBalances(ctx context.Context, accessToken string) (*AccountsResponse, error) {
	var resp AccountsResponse
	if err := c.post(ctx, balancesPath, map[string]any{"access_token": accessToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetHoldings(ctx context.Context, accessToken string) (*HoldingsResponse, error) {
	var resp HoldingsResponse
	if err := c.post(ctx, holdingsPath, map[string]any{"access_token": accessToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetLiabilities(ctx context.Context, accessToken string) (*LiabilitiesResponse, error) {
	var resp LiabilitiesResponse
	if err := c.post(ctx, liabilitiesPath, map[string]any{"access_token": accessToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetWebhookVerificationKey(ctx context.Context, keyID string) (*WebhookVerificationKey, error) {
	var resp webhookVerificationKeyResponse
	if err := c.post(ctx, verificationKeyPath, map[string]any{"key_id": keyID}, &resp); err != nil {
		return nil, err
	}
	return &resp.Key, nil
}

// post sends an authenticated JSON request and decodes a 200 response into
// out. Non-200 responses are returned as *APIError when the body parses.
func (c *Client) post(ctx context.Context, path string, payload map[string]any, out any) (err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	start := c.now()
	call := APICall{Method: path, ItemID: ItemIDFromContext(ctx), OccurredAt: start}
	defer func() {
		call.DurationMs = c.now().Sub(start).Milliseconds()
		if apiErr, ok := AsAPIError(err); ok {
			call.ErrorType = apiErr.ErrorType
			call.ErrorCode = apiErr.ErrorCode
			call.RequestID = apiErr.RequestID
		} else if err != nil {
			call.ErrorType = "CLIENT_ERROR"
		}
		if c.recorder != nil {
			c.recorder.Record(ctx, call)
		}
	}()

	payload["client_id"] = c.clientID
	payload["secret"] = c.secret
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	call.StatusCode = resp.StatusCode

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{}
		if jerr := json.Unmarshal(body, apiErr); jerr != nil || apiErr.ErrorCode == "" {
			return fmt.Errorf("API request %s failed with status %d: %s", path, resp.StatusCode, truncate(body, 512))
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	var meta struct {
		RequestID string `json:"request_id"`
	}
	if json.Unmarshal(body, &meta) == nil {
		call.RequestID = meta.RequestID
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

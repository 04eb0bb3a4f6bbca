package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// GatewayConfig configures a GatewayClient.
type GatewayConfig struct {
	BaseURL        string
	Token          string
	RPS            float64
	Burst          int
	RequestTimeout time.Duration
}

// GatewayClient talks to the session gateway, the sidecar that holds the
// authorized platform session for each account and exposes it over HTTP.
type GatewayClient struct {
	baseURL    string
	account    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewGatewayClient returns a Client for one account behind the gateway.
func NewGatewayClient(cfg GatewayConfig, account string, logger *slog.Logger) (*GatewayClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url cannot be empty")
	}
	if account == "" {
		return nil, fmt.Errorf("account cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &GatewayClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		account:    account,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:     logger.With("component", "platform_gateway", "account", account),
	}, nil
}

// Dialogs implements Client.
func (c *GatewayClient) Dialogs(ctx context.Context, cursor string) (DialogPage, error) {
	var page DialogPage
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	err := c.get(ctx, "/dialogs", q, &page)
	return page, err
}

// History implements Client.
func (c *GatewayClient) History(ctx context.Context, chatID, offsetID int64, limit int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	q := url.Values{}
	q.Set("offset_id", strconv.FormatInt(offsetID, 10))
	q.Set("limit", strconv.Itoa(limit))
	err := c.get(ctx, fmt.Sprintf("/chats/%d/messages", chatID), q, &out)
	return out.Messages, err
}

// Participants implements Client.
func (c *GatewayClient) Participants(ctx context.Context, chatID int64, offset, limit int) ([]User, error) {
	var out struct {
		Participants []User `json:"participants"`
	}
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	err := c.get(ctx, fmt.Sprintf("/chats/%d/participants", chatID), q, &out)
	return out.Participants, err
}

type gatewayError struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

func (c *GatewayClient) get(ctx context.Context, path string, q url.Values, out any) error {
	u := fmt.Sprintf("%s/v1/sessions/%s%s", c.baseURL, url.PathEscape(c.account), path)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.statusError(resp, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

func (c *GatewayClient) statusError(resp *http.Response, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ge gatewayError
	_ = json.Unmarshal(body, &ge)

	if resp.StatusCode == http.StatusTooManyRequests || ge.Error == "FLOOD_WAIT" {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		if ge.RetryAfter > 0 {
			wait = time.Duration(ge.RetryAfter) * time.Second
		}
		c.logger.Debug("Gateway asked to back off", "path", path, "retry_after", wait)
		return &RateLimitedError{RetryAfter: wait}
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: gateway status %d", ErrTransient, resp.StatusCode)
	}
	return fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}

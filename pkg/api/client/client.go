package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/morphlink/internal/domain"
)

const defaultBaseURL = "http://localhost:8000"

// Client provides typed access to the morphlink dispatcher for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided dispatcher base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the dispatcher.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, v any) error {
	resp, err := c.send(ctx, c.httpClient, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, query url.Values, body any) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	return resp, nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

type linkInput struct {
	User string `json:"user"`
	URL  string `json:"url,omitempty"`
}

func userQuery(user string) url.Values {
	return url.Values{"user": []string{user}}
}

// CreateLink shortens longURL on behalf of user.
func (c *Client) CreateLink(ctx context.Context, user, longURL string) (domain.Link, error) {
	var link domain.Link
	err := c.do(ctx, http.MethodPost, "/links/", nil, linkInput{User: user, URL: longURL}, &link)
	return link, err
}

// ListLinks returns every link owned by user.
func (c *Client) ListLinks(ctx context.Context, user string) ([]domain.Link, error) {
	var links []domain.Link
	err := c.do(ctx, http.MethodGet, "/links/", userQuery(user), nil, &links)
	return links, err
}

// GetLink fetches one of user's links.
func (c *Client) GetLink(ctx context.Context, user, code string) (domain.Link, error) {
	var link domain.Link
	err := c.do(ctx, http.MethodGet, "/links/"+url.PathEscape(code), userQuery(user), nil, &link)
	return link, err
}

// UpdateLink points code at a new long URL.
func (c *Client) UpdateLink(ctx context.Context, user, code, longURL string) (domain.Link, error) {
	var link domain.Link
	err := c.do(ctx, http.MethodPut, "/links/"+url.PathEscape(code), nil, linkInput{User: user, URL: longURL}, &link)
	return link, err
}

// DeleteLink removes one of user's links.
func (c *Client) DeleteLink(ctx context.Context, user, code string) error {
	return c.do(ctx, http.MethodDelete, "/links/"+url.PathEscape(code), userQuery(user), nil, nil)
}

// Resolve follows nothing: it returns the Location the redirector answers with.
func (c *Client) Resolve(ctx context.Context, code string) (string, error) {
	noFollow := *c.httpClient
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := c.send(ctx, &noFollow, http.MethodGet, "/r/"+url.PathEscape(code), nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("unexpected status %d without Location", resp.StatusCode)
	}
	return location, nil
}

// Summary returns click totals for every link of user.
func (c *Client) Summary(ctx context.Context, user string) ([]domain.LinkStats, error) {
	var stats []domain.LinkStats
	err := c.do(ctx, http.MethodGet, "/analytics/", userQuery(user), nil, &stats)
	return stats, err
}

// LinkStats returns totals and recent clicks for one link.
func (c *Client) LinkStats(ctx context.Context, user, code string) (domain.LinkStats, error) {
	var stats domain.LinkStats
	err := c.do(ctx, http.MethodGet, "/analytics/"+url.PathEscape(code), userQuery(user), nil, &stats)
	return stats, err
}

// Process mirrors the worker record reported by the admin API.
type Process struct {
	ID         string    `json:"id"`
	Addr       string    `json:"addr"`
	LaunchedAt time.Time `json:"launched_at"`
}

// ModuleStatus is one row of GET /admin/modules.
type ModuleStatus struct {
	Module         domain.ModuleID `json:"module"`
	Mode           domain.Mode     `json:"mode"`
	Rate           int             `json:"rate"`
	LastTransition *time.Time      `json:"last_transition,omitempty"`
	Starting       bool            `json:"starting"`
	Process        *Process        `json:"process,omitempty"`
}

// Modules reports the mode and rate of every module.
func (c *Client) Modules(ctx context.Context) ([]ModuleStatus, error) {
	var out []ModuleStatus
	err := c.do(ctx, http.MethodGet, "/admin/modules", nil, nil, &out)
	return out, err
}

// Watch streams mode transitions to fn until ctx is cancelled or the
// connection drops.
func (c *Client) Watch(ctx context.Context, fn func(domain.Transition)) error {
	endpoint := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/admin/events"
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var t domain.Transition
		if err := conn.ReadJSON(&t); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(t)
	}
}

// Package smooch is a client for the private web API behind the Smooch
// console. Requests are authenticated with the console's session cookie.
package smooch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fivehealth/smooch-logs/internal/types"
)

const (
	DefaultBaseURL = "https://app.smooch.io"
	SessionCookie  = "sessionId"
)

// Client talks to the console web API. A Client is bound to at most one
// session token; use WithToken to derive a client for another token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for baseURL. An empty baseURL selects DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// WithHTTPClient returns a copy of c using hc for transport.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.httpClient = hc
	return &cp
}

func (c *Client) BaseURL() string { return c.baseURL }
func (c *Client) Token() string   { return c.token }

// LogPage is one response of the logs endpoint. Events are newest-first
// and kept as raw JSON so they can be written out untouched.
type LogPage struct {
	HasMore bool              `json:"hasMore"`
	Events  []json.RawMessage `json:"events"`
}

type appsResponse struct {
	Apps []types.App `json:"apps"`
}

// Me checks the session against /webapi/users/me. Only the status matters.
func (c *Client) Me(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/webapi/users/me", nil, nil, nil)
}

// Logout invalidates the session server-side.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/webapi/logout", nil, strings.NewReader("{}"), nil)
}

// ListApps returns every application visible to the session.
func (c *Client) ListApps(ctx context.Context) ([]types.App, error) {
	var resp appsResponse
	q := url.Values{"limit": {"999"}}
	if err := c.do(ctx, http.MethodGet, "/webapi/apps", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	return resp.Apps, nil
}

// GetApp fetches a single application's info.
func (c *Client) GetApp(ctx context.Context, id types.AppID) (*types.App, error) {
	var app types.App
	if err := c.do(ctx, http.MethodGet, "/webapi/apps/"+url.PathEscape(string(id)), nil, nil, &app); err != nil {
		return nil, fmt.Errorf("get app %s: %w", id, err)
	}
	if app.ID == "" {
		app.ID = id
	}
	return &app, nil
}

// Logs fetches the page of events logged before the given unix timestamp.
func (c *Client) Logs(ctx context.Context, id types.AppID, before float64) (*LogPage, error) {
	var page LogPage
	q := url.Values{"before": {strconv.FormatFloat(before, 'f', -1, 64)}}
	if err := c.do(ctx, http.MethodGet, "/webapi/apps/"+url.PathEscape(string(id))+"/logs", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", c.baseURL)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(req, resp, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w from %s: %w", ErrMalformedResponse, path, err)
	}
	return nil
}

package synchttp

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

	"golang.org/x/oauth2"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

// Client talks to the gateway's sync endpoints.
type Client struct {
	base *url.URL
	http *http.Client
}

var _ progress.Remote = (*Client)(nil)

type Config struct {
	BaseURL string
	// Token is the bearer access token; TokenSource wins when both are set.
	Token       string
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("synchttp: base url required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("synchttp: parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery, u.Fragment = "", ""

	ts := cfg.TokenSource
	if ts == nil && cfg.Token != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	}
	h := &http.Client{}
	if ts != nil {
		h = oauth2.NewClient(context.Background(), ts)
	}
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	} else {
		h.Timeout = 15 * time.Second
	}
	return &Client{base: u, http: h}, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Body)
}

func (c *Client) Push(ctx context.Context, req progress.SyncRequest) (progress.SyncResponse, error) {
	var out progress.SyncResponse
	err := c.do(ctx, "push", http.MethodPost, "/sync", req, &out)
	return out, err
}

func (c *Client) Pull(ctx context.Context) ([]progress.Item, error) {
	var out struct {
		Items []progress.Item `json:"items"`
	}
	if err := c.do(ctx, "pull", http.MethodGet, "/progress", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) PushSettings(ctx context.Context, s progress.Settings) error {
	return c.do(ctx, "push settings", http.MethodPut, "/settings", s, nil)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	u := *c.base
	u.Path += path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &StatusError{Op: op, Status: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/session"
)

// HTTPClient makes status API calls to the bridge.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:3000").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetHealth fetches /api/health.
func (c *HTTPClient) GetHealth(ctx context.Context) (*health.Report, error) {
	var rep health.Report
	if err := c.get(ctx, "/api/health", &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// GetSessions fetches /api/sessions.
func (c *HTTPClient) GetSessions(ctx context.Context) ([]*session.State, error) {
	var out []*session.State
	if err := c.get(ctx, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession fetches /api/sessions/{id}.
func (c *HTTPClient) GetSession(ctx context.Context, id string) (*session.State, error) {
	var st session.State
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(id), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// DeriveHTTPBase converts ws://host:port/ws to http://host:port.
func DeriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:3000"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}

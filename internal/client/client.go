// Package client is a thin HTTP client for the gateway API, used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scriptgate/scriptgate/internal/policy"
	"github.com/scriptgate/scriptgate/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL string, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Executions can legitimately run for minutes.
			Timeout: 15 * time.Minute,
		},
	}
}

func (c *Client) Check(ctx context.Context, req types.CheckRequest) (types.CheckResponse, error) {
	var out types.CheckResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/check", nil, req, &out)
	return out, err
}

func (c *Client) Run(ctx context.Context, req types.RunRequest) (types.RunResponse, error) {
	var out types.RunResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/run", nil, req, &out)
	return out, err
}

// RunStream starts a streamed execution and returns the raw SSE body.
func (c *Client) RunStream(ctx context.Context, req types.RunRequest) (io.ReadCloser, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.stream(ctx, http.MethodPost, "/api/v1/run/stream", bytes.NewReader(b))
}

func (c *Client) ListScripts(ctx context.Context) ([]types.AllowedScript, error) {
	var out struct {
		Scripts []types.AllowedScript `json:"scripts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/scripts", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Scripts, nil
}

func (c *Client) ListExecutions(ctx context.Context, q url.Values) ([]types.ExecutionRecord, error) {
	var out struct {
		Executions []types.ExecutionRecord `json:"executions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/executions", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

func (c *Client) GetPolicy(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/policy", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddRule(ctx context.Context, rule policy.Rule) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/policy/rules", nil, rule, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveRule(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/policy/rules/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) AssignOverlay(ctx context.Context, overlay policy.Overlay) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/policy/overlays", nil, overlay, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveOverlay(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/policy/overlays/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) ReloadPolicy(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/policy/reload", nil, nil, nil)
}

// StreamEvents tails the live event feed and returns the raw SSE body.
func (c *Client) StreamEvents(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	path := "/api/v1/events"
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}
	return c.stream(ctx, http.MethodGet, path, nil)
}

func (c *Client) stream(ctx context.Context, method, path string, body io.Reader) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	req.Header.Set("Accept", "text/event-stream")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	c.addAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

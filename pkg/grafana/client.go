package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("grafana %s %s returned status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// searchItem is one hit of /api/search.
type searchItem struct {
	UID   string `json:"uid"`
	URI   string `json:"uri"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// client wraps the small part of the Grafana HTTP API used for backups.
// Dashboards use the API key, datasources basic auth.
type client struct {
	http    *http.Client
	baseURL string
	cfg     config.GrafanaConfig
}

func newClient(hc *http.Client, cfg config.GrafanaConfig) *client {
	return &client{http: hc, baseURL: strings.TrimRight(cfg.URL, "/"), cfg: cfg}
}

func (c *client) bearer(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
}

func (c *client) basic(req *http.Request) {
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
}

func (c *client) do(ctx context.Context, method, path string, body any, auth func(*http.Request), out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	auth(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("grafana %s: invalid response: %w", path, err)
	}
	return nil
}

func (c *client) datasources(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, http.MethodGet, "/api/datasources", nil, c.basic, &out)
	return out, err
}

func (c *client) search(ctx context.Context) ([]searchItem, error) {
	var out []searchItem
	err := c.do(ctx, http.MethodGet, "/api/search", nil, c.bearer, &out)
	return out, err
}

// dashboard fetches by uid, falling back to the legacy uri endpoint.
func (c *client) dashboard(ctx context.Context, item searchItem) (map[string]any, error) {
	path := "/api/dashboards/" + item.URI
	if item.UID != "" {
		path = "/api/dashboards/uid/" + item.UID
	}
	var out map[string]any
	err := c.do(ctx, http.MethodGet, path, nil, c.bearer, &out)
	return out, err
}

func (c *client) importDashboard(ctx context.Context, payload map[string]any) error {
	return c.do(ctx, http.MethodPost, "/api/dashboards/db", payload, c.bearer, nil)
}

func (c *client) createDatasource(ctx context.Context, ds map[string]any) error {
	return c.do(ctx, http.MethodPost, "/api/datasources", ds, c.basic, nil)
}

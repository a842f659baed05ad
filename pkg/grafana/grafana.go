// Package grafana exports dashboards and datasources through the Grafana
// HTTP API and imports them again on restore.
package grafana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

const (
	Name = "grafana"

	dashboardsDir = "dashboards"
	manualDir     = "dashboards_manually_restore"
	datasourceDir = "datasource"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Module backs up and restores Grafana.
type Module struct {
	client *http.Client
}

// New returns the grafana module. A nil client gets the configured timeout.
func New(client *http.Client) *Module {
	return &Module{client: client}
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{Name: Name}
}

func (m *Module) Enabled(cfg *config.Config) bool {
	return cfg.Services.Grafana.Enabled
}

func (m *Module) api(cfg *config.Config) *client {
	hc := m.client
	if hc == nil {
		hc = &http.Client{Timeout: time.Duration(cfg.Engine.HTTPTimeoutSeconds) * time.Second}
	}
	return newClient(hc, cfg.Services.Grafana)
}

func (m *Module) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	dir, cleanup, err := module.WorkDir(cfg.Base, Name)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, sub := range []string{dashboardsDir, manualDir, datasourceDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), util.UserWritableDirPerms); err != nil {
			return err
		}
	}

	api := m.api(cfg)
	exportDatasources(ctx, api, filepath.Join(dir, datasourceDir))

	items, err := api.search(ctx)
	if err != nil {
		return fmt.Errorf("dashboard search failed: %w", err)
	}
	items = dedupe(items)
	plog.Info("Exporting dashboards", "count", len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Engine.FetchWorkers, 1))
	for name, item := range fileNames(items) {
		g.Go(func() error {
			return exportDashboard(gctx, api, dir, name, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, err = module.ArchiveDir(ctx, cfg, rc, Name, dir, nil)
	return err
}

// exportDatasources is best effort: a missing basic auth login only costs
// the datasource definitions.
func exportDatasources(ctx context.Context, api *client, dir string) {
	sources, err := api.datasources(ctx)
	if err != nil {
		plog.Debug("Grafana datasource request failed", "error", err)
		return
	}
	for _, ds := range sources {
		name, _ := ds["name"].(string)
		if name == "" {
			continue
		}
		if err := writeJSON(filepath.Join(dir, sanitize(name)+".json"), ds); err != nil {
			plog.Debug("Failed to write datasource", "name", name, "error", err)
		}
	}
}

func exportDashboard(ctx context.Context, api *client, dir, name string, item searchItem) error {
	data, err := api.dashboard(ctx, item)
	if err != nil {
		return fmt.Errorf("failed to fetch dashboard %q: %w", item.Title, err)
	}
	dash, ok := data["dashboard"].(map[string]any)
	if !ok {
		return fmt.Errorf("dashboard %q: response has no dashboard", item.Title)
	}
	plog.Debug("Found dashboard", "name", name)

	dash["id"] = nil
	importable := map[string]any{"dashboard": dash, "overwrite": true}
	if err := writeJSON(filepath.Join(dir, dashboardsDir, name+".json"), importable); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, manualDir, name+".json"), dash)
}

// dedupe drops folders and repeated hits, keyed by uid or legacy uri.
func dedupe(items []searchItem) []searchItem {
	seen := make(map[string]bool)
	var out []searchItem
	for _, item := range items {
		if item.Type == "dash-folder" {
			continue
		}
		key := item.UID
		if key == "" {
			key = item.URI
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

// fileNames assigns each dashboard a unique file name, preferring the last
// uri segment, then the title.
func fileNames(items []searchItem) map[string]searchItem {
	names := make(map[string]searchItem, len(items))
	for _, item := range items {
		name := ""
		if item.URI != "" {
			name = path.Base(item.URI)
		}
		if name == "" || name == "." || name == "/" {
			name = item.Title
		}
		name = sanitize(name)
		if _, taken := names[name]; taken || name == "" {
			name = sanitize(name + "_" + item.UID + item.URI)
		}
		names[name] = item
	}
	return names
}

func sanitize(name string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(name, "-"), "-.")
}

func writeJSON(p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, util.UserWritableFilePerms)
}

// Restore imports the dashboards and datasources of a grafana artifact.
// Datasources that already exist are left alone.
func (m *Module) Restore(ctx context.Context, cfg *config.Config, absArchivePath string) error {
	dir, cleanup, err := module.WorkDir(cfg.Base, Name)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := pathcompression.Extract(ctx, absArchivePath, dir); err != nil {
		return err
	}
	api := m.api(cfg)

	dashboards, _ := filepath.Glob(filepath.Join(dir, dashboardsDir, "*.json"))
	for _, p := range dashboards {
		var payload map[string]any
		if err := readJSON(p, &payload); err != nil {
			return err
		}
		if err := api.importDashboard(ctx, payload); err != nil {
			return fmt.Errorf("failed to import dashboard %s: %w", filepath.Base(p), err)
		}
		plog.Info("Dashboard restored", "file", filepath.Base(p))
	}

	sources, _ := filepath.Glob(filepath.Join(dir, datasourceDir, "*.json"))
	for _, p := range sources {
		var ds map[string]any
		if err := readJSON(p, &ds); err != nil {
			return err
		}
		delete(ds, "id")
		err := api.createDatasource(ctx, ds)
		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict:
			plog.Info("Datasource already exists, skipping", "file", filepath.Base(p))
		case err != nil:
			return fmt.Errorf("failed to restore datasource %s: %w", filepath.Base(p), err)
		default:
			plog.Info("Datasource restored", "file", filepath.Base(p))
		}
	}
	return nil
}

func readJSON(p string, v any) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid json in %s: %w", filepath.Base(p), err)
	}
	return nil
}

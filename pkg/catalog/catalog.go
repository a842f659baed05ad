// Package catalog lists the artifacts stored on the configured backends,
// grouped by backend and service, newest first.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-backitup/pkg/artifact"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/restore"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// Artifact is one restorable file on a backend.
type Artifact struct {
	Backend storage.Kind `json:"backend"`
	Service string       `json:"service"`
	Name    string       `json:"name"`
	Size    int64        `json:"size"`
	// Path is the backend handle passed back for download or restore.
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
}

// DisplayTime renders the creation time in local time with minute precision.
func (a Artifact) DisplayTime() string {
	return a.Created.Local().Format("02.01.2006 15:04")
}

// DisplaySize renders the size in IEC units.
func (a Artifact) DisplaySize() string {
	return humanize.IBytes(uint64(a.Size))
}

// Listing groups artifacts by backend and service.
type Listing map[storage.Kind]map[string][]Artifact

// Opener opens a backend from configuration.
type Opener interface {
	Open(ctx context.Context, cfg *config.Config, kind storage.Kind) (storage.Backend, error)
}

type Catalog struct {
	opener Opener
}

func New(opener Opener) *Catalog {
	return &Catalog{opener: opener}
}

// List returns the artifacts of source, or of every enabled backend when
// source is empty. When listing everything a failing backend is logged and
// left out; a single requested backend returns its error.
func (c *Catalog) List(ctx context.Context, cfg *config.Config, source storage.Kind) (Listing, error) {
	listing := make(Listing)
	if source != "" {
		groups, err := c.listBackend(ctx, cfg, source)
		if err != nil {
			return nil, err
		}
		listing[source] = groups
		return listing, nil
	}

	for _, kind := range storage.Kinds() {
		if !cfg.BackendEnabled(kind) {
			continue
		}
		groups, err := c.listBackend(ctx, cfg, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			plog.Warn("Failed to list backend", "backend", kind.DisplayName(), "error", err)
			continue
		}
		listing[kind] = groups
	}
	return listing, nil
}

func (c *Catalog) listBackend(ctx context.Context, cfg *config.Config, kind storage.Kind) (map[string][]Artifact, error) {
	backend, err := c.opener.Open(ctx, cfg, kind)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			plog.Warn("Failed to close storage backend", "backend", kind.DisplayName(), "error", err)
		}
	}()

	entries, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.DisplayName(), err)
	}
	return Group(kind, entries, cfg.Platform.Name), nil
}

// Group turns backend entries into artifacts grouped by service. Names that
// do not parse as artifacts are ignored. Artifacts without a service prefix
// belong to the platform.
func Group(kind storage.Kind, entries []storage.Entry, platform string) map[string][]Artifact {
	groups := make(map[string][]Artifact)
	for _, e := range entries {
		created, err := artifact.ParseTime(e.Name)
		if err != nil {
			plog.Debug("Ignoring non-artifact file", "backend", kind, "name", e.Name)
			continue
		}
		service, _ := restore.Service(e.Name, platform)
		groups[service] = append(groups[service], Artifact{
			Backend: kind,
			Service: service,
			Name:    e.Name,
			Size:    e.Size,
			Path:    e.Path,
			Created: created,
		})
	}
	for _, list := range groups {
		SortNewestFirst(list)
	}
	return groups
}

// SortNewestFirst orders by creation time descending, ties by name descending.
func SortNewestFirst(list []Artifact) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].Created.Equal(list[j].Created) {
			return list[i].Created.After(list[j].Created)
		}
		return list[i].Name > list[j].Name
	})
}

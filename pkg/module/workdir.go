package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-backitup/pkg/artifact"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// WorkDir creates the private working directory <base>/<name>_tmp. A leftover
// from an earlier run is removed first. The returned cleanup removes the
// directory and only logs failures.
func WorkDir(base, name string) (string, func(), error) {
	dir := filepath.Join(base, name+"_tmp")
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("failed to remove leftover working directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return "", nil, fmt.Errorf("failed to create working directory %s: %w", dir, err)
	}
	plog.Debug("Created working directory", "path", dir)
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			plog.Warn("Failed to remove working directory", "path", dir, "error", err)
			return
		}
		plog.Debug("Removed working directory", "path", dir)
	}
	return dir, cleanup, nil
}

// ArchiveDir compresses src into the run's artifact for service using the
// configured format and level. The artifact path is recorded on creation and
// the service is added to the run's types on success.
func ArchiveDir(ctx context.Context, cfg *config.Config, rc *runctx.Context, service, src string, exclude []string) (string, error) {
	name := artifact.Name(service, rc.Started, cfg.Compression.Format.Extension())
	dst := filepath.Join(rc.BackupDir, name)

	stats, err := pathcompression.CompressDir(ctx, src, dst, pathcompression.Options{
		Format:       cfg.Compression.Format,
		Level:        cfg.Compression.Level,
		Workers:      cfg.Engine.CompressWorkers,
		BufferSizeKB: cfg.Engine.BufferSizeKB,
		Exclude:      exclude,
		OnCreate:     rc.AddFileName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	rc.AddType(service)
	plog.Info("Backup created", "service", service, "file", name, "entries", stats.Entries, "size", stats.BytesWritten)
	return dst, nil
}

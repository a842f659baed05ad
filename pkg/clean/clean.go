// Package clean applies the local retention policy: for every service only
// the newest N artifacts in the backup directory are kept.
package clean

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paulschiretz/pgl-backitup/pkg/catalog"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

const Name = "clean"

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{Name: Name, IgnoreErrors: true}
}

// Enabled reports whether a retention count is configured.
func (m *Module) Enabled(cfg *config.Config) bool {
	return cfg.Storage.Local.BackupsToKeep > 0
}

func (m *Module) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	removeLeftoverWorkDirs(cfg.Base)

	entries, err := storage.NewLocal(cfg.Base).List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read backup directory %s: %w", cfg.Base, err)
	}
	groups := catalog.Group(storage.Local, entries, cfg.Platform.Name)
	toDelete := Select(groups, cfg.Storage.Local.BackupsToKeep, rc.FileNames())
	if len(toDelete) == 0 {
		plog.Debug("No backups need deletion", "keep", cfg.Storage.Local.BackupsToKeep)
		return nil
	}

	plog.Info("Deleting outdated backups", "count", len(toDelete), "keep", cfg.Storage.Local.BackupsToKeep)
	if failed := deleteAll(ctx, toDelete, cfg.Engine.DeleteWorkers); failed > 0 {
		return fmt.Errorf("failed to delete %d of %d outdated backups", failed, len(toDelete))
	}
	return ctx.Err()
}

// Select returns the paths to delete: everything beyond the newest keep
// artifacts of each service. Files produced by the current run are never
// selected.
func Select(groups map[string][]catalog.Artifact, keep int, current []string) []string {
	protected := make(map[string]bool, len(current))
	for _, p := range current {
		protected[filepath.Clean(p)] = true
	}
	var out []string
	for _, list := range groups {
		// Lists are newest first.
		for i, a := range list {
			if i < keep || protected[filepath.Clean(a.Path)] {
				continue
			}
			out = append(out, a.Path)
		}
	}
	return out
}

// deleteAll removes files with a small worker pool and returns the failure count.
func deleteAll(ctx context.Context, paths []string, numWorkers int) int64 {
	if numWorkers < 1 {
		numWorkers = 1
	}
	var failed atomic.Int64
	tasks := make(chan string, numWorkers*2)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for p := range tasks {
				if ctx.Err() != nil {
					return
				}
				plog.Notice("DELETE", "path", p, "worker", workerID)
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					failed.Add(1)
					plog.Warn("Failed to delete outdated backup", "path", p, "error", err)
				}
			}
		}(i + 1)
	}

	go func() {
		defer close(tasks)
		for _, p := range paths {
			select {
			case <-ctx.Done():
				return
			case tasks <- p:
			}
		}
	}()

	wg.Wait()
	return failed.Load()
}

// removeLeftoverWorkDirs deletes "<name>_tmp" directories a crashed run left behind.
func removeLeftoverWorkDirs(base string) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), "_tmp") {
			continue
		}
		p := filepath.Join(base, e.Name())
		if err := os.RemoveAll(p); err != nil {
			plog.Warn("Failed to remove leftover working directory", "path", p, "error", err)
			continue
		}
		plog.Debug("Removed leftover working directory", "path", p)
	}
}

package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// Module copies the artifacts of the current run to one remote backend.
type Module struct {
	kind    storage.Kind
	factory *Factory
}

// NewModule returns the upload module for kind. It is named after the backend.
func NewModule(kind storage.Kind, factory *Factory) *Module {
	return &Module{kind: kind, factory: factory}
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{Name: m.kind.String(), IgnoreErrors: true}
}

func (m *Module) Enabled(cfg *config.Config) bool {
	return m.kind != storage.Local && cfg.BackendEnabled(m.kind)
}

// Execute uploads every artifact recorded so far that still exists. A run
// without artifacts is reported as a hint.
func (m *Module) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	var files []string
	for _, p := range rc.FileNames() {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return hints.New("no artifacts to upload")
	}

	backend, err := m.factory.Open(ctx, cfg, m.kind)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", m.kind.DisplayName(), err)
	}
	defer closeBackend(backend)

	var errs []error
	for _, p := range files {
		if err := backend.Upload(ctx, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		plog.Info("Artifact stored", "backend", m.kind.DisplayName(), "file", filepath.Base(p))
	}
	return errors.Join(errs...)
}

func closeBackend(b storage.Backend) {
	if err := b.Close(); err != nil {
		plog.Warn("Failed to close storage backend", "backend", b.Kind().DisplayName(), "error", err)
	}
}

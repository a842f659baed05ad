// Package dirbackup archives services whose state is a plain directory:
// the platform data itself, redis, history, scripts, jarvis and zigbee.
package dirbackup

import (
	"context"
	"fmt"
	"os"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
)

// Module archives one directory service.
type Module struct {
	name     string
	settings func(cfg *config.Config) config.DirServiceConfig
	// platform marks the full platform backup, which is named after the
	// configured platform instead of the module.
	platform bool
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{Name: m.name}
}

func (m *Module) Enabled(cfg *config.Config) bool {
	return m.settings(cfg).Enabled
}

func (m *Module) service(cfg *config.Config) string {
	if m.platform {
		return cfg.Platform.Name
	}
	return m.name
}

// Execute archives the configured path. A missing directory means the
// service is not installed here and is reported as a hint.
func (m *Module) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	svc := m.settings(cfg)
	info, err := os.Stat(svc.Path)
	if os.IsNotExist(err) {
		return hints.New(fmt.Sprintf("%s: directory %s does not exist", m.name, svc.Path))
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", m.name, svc.Path)
	}

	_, err = module.ArchiveDir(ctx, cfg, rc, m.service(cfg), svc.Path, svc.Exclude)
	return err
}

// Restore unpacks the artifact over the configured path.
func (m *Module) Restore(ctx context.Context, cfg *config.Config, absArchivePath string) error {
	target := m.settings(cfg).Path
	if target == "" {
		return fmt.Errorf("%s: no target path configured", m.name)
	}
	stats, err := pathcompression.Extract(ctx, absArchivePath, target)
	if err != nil {
		return err
	}
	plog.Info("Directory restored", "service", m.name, "target", target, "entries", stats.Entries)
	return nil
}

func NewIOBroker() *Module {
	return &Module{name: "iobroker", platform: true, settings: func(cfg *config.Config) config.DirServiceConfig { return cfg.Services.IOBroker }}
}

func NewRedis() *Module {
	return &Module{name: "redis", settings: func(cfg *config.Config) config.DirServiceConfig { return cfg.Services.Redis }}
}

func NewHistoryDB() *Module {
	return &Module{name: "historyDB", settings: func(cfg *config.Config) config.DirServiceConfig { return cfg.Services.HistoryDB }}
}

func NewJavascripts() *Module {
	return &Module{name: "javascripts", settings: func(cfg *config.Config) config.DirServiceConfig { return cfg.Services.Javascripts }}
}

func NewJarvis() *Module {
	return &Module{name: "jarvis", settings: func(cfg *config.Config) config.DirServiceConfig { return cfg.Services.Jarvis }}
}

func NewZigbee() *Module {
	return &Module{name: "zigbee", settings: func(cfg *config.Config) config.DirServiceConfig { return cfg.Services.Zigbee }}
}

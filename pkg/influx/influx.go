// Package influx backs up an InfluxDB 2.x instance with the influx CLI after
// checking that the server is healthy.
package influx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/module"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
)

const Name = "influxDB"

type Module struct {
	runner *command.Runner
}

func New(runner *command.Runner) *Module {
	return &Module{runner: runner}
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{Name: Name}
}

func (m *Module) Enabled(cfg *config.Config) bool {
	return cfg.Services.InfluxDB.Enabled
}

// checkHealth asks the server's /health endpoint before spending time on the CLI.
func checkHealth(ctx context.Context, c config.InfluxConfig) error {
	client := influxdb2.NewClient(c.URL, c.Token)
	defer client.Close()

	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if health.Status != domain.HealthCheckStatusPass {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb is not healthy (%s): %s", health.Status, msg)
	}
	version := ""
	if health.Version != nil {
		version = *health.Version
	}
	plog.Debug("InfluxDB is healthy", "version", version)
	return nil
}

// env passes host and token to the CLI without putting the token into argv.
func env(c config.InfluxConfig) []string {
	return []string{"INFLUX_HOST=" + c.URL, "INFLUX_TOKEN=" + c.Token}
}

func (m *Module) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	c := cfg.Services.InfluxDB
	if err := checkHealth(ctx, c); err != nil {
		return err
	}

	dir, cleanup, err := module.WorkDir(cfg.Base, Name)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"backup", dir}
	if c.Org != "" {
		args = append(args, "--org", c.Org)
	}
	if c.Bucket != "" {
		args = append(args, "--bucket", c.Bucket)
	}
	plog.Info("Backing up InfluxDB", "url", c.URL, "bucket", c.Bucket)
	if err := m.runner.Run(ctx, command.Spec{Name: c.CLI, Args: args, Env: env(c)}); err != nil {
		return err
	}

	_, err = module.ArchiveDir(ctx, cfg, rc, Name, dir, nil)
	return err
}

// Restore replays a backup. Without a configured bucket the whole instance
// is restored.
func (m *Module) Restore(ctx context.Context, cfg *config.Config, absArchivePath string) error {
	c := cfg.Services.InfluxDB
	if err := checkHealth(ctx, c); err != nil {
		return err
	}

	dir, cleanup, err := module.WorkDir(cfg.Base, Name)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := pathcompression.Extract(ctx, absArchivePath, dir); err != nil {
		return err
	}
	if entries, err := os.ReadDir(dir); err != nil || len(entries) == 0 {
		return fmt.Errorf("artifact %s contains no influx backup", filepath.Base(absArchivePath))
	}

	args := []string{"restore", dir}
	if c.Org != "" {
		args = append(args, "--org", c.Org)
	}
	if c.Bucket != "" {
		args = append(args, "--bucket", c.Bucket)
	} else {
		args = append(args, "--full")
	}
	return m.runner.Run(ctx, command.Spec{Name: c.CLI, Args: args, Env: env(c)})
}

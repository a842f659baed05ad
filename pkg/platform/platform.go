// Package platform stops and starts the automation platform around a full
// restore.
package platform

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

// Controller stops and starts the platform.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// New returns the controller selected in the configuration.
func New(cfg config.PlatformConfig, runner *command.Runner) (Controller, error) {
	switch cfg.Controller {
	case config.ControllerSystemd:
		return &Systemd{Unit: cfg.Unit}, nil
	case config.ControllerCommand:
		return &Command{Runner: runner, StopCommand: cfg.StopCommand, StartCommand: cfg.StartCommand}, nil
	case config.ControllerNone, "":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown platform controller %q", cfg.Controller)
	}
}

// None leaves the platform alone.
type None struct{}

func (None) Stop(ctx context.Context) error {
	plog.Warn("No platform controller configured, the platform keeps running during restore")
	return nil
}

func (None) Start(ctx context.Context) error { return nil }

// Command runs shell commands, e.g. "iobroker stop".
type Command struct {
	Runner       *command.Runner
	StopCommand  string
	StartCommand string
}

func (c *Command) Stop(ctx context.Context) error {
	plog.Info("Stopping platform", "command", c.StopCommand)
	return c.Runner.Shell(ctx, c.StopCommand)
}

func (c *Command) Start(ctx context.Context) error {
	plog.Info("Starting platform", "command", c.StartCommand)
	return c.Runner.Shell(ctx, c.StartCommand)
}

// Systemd controls a unit over the system D-Bus.
type Systemd struct {
	Unit string
}

type unitJob func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (s *Systemd) Stop(ctx context.Context) error {
	return s.run(ctx, "stop", func(conn *dbus.Conn) unitJob { return conn.StopUnitContext })
}

func (s *Systemd) Start(ctx context.Context) error {
	return s.run(ctx, "start", func(conn *dbus.Conn) unitJob { return conn.StartUnitContext })
}

func (s *Systemd) run(ctx context.Context, verb string, job func(conn *dbus.Conn) unitJob) error {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	plog.Info("Platform "+verb, "unit", s.Unit)
	return waitJob(ctx, job(conn), s.Unit, verb)
}

// waitJob queues a unit job and waits for systemd to report its result.
func waitJob(ctx context.Context, job unitJob, unit, verb string) error {
	ch := make(chan string, 1)
	if _, err := job(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("failed to %s %s: job %s", verb, unit, result)
		}
		return nil
	}
}

// Package hook runs user supplied shell commands around backups and restores.
package hook

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulschiretz/pgl-backitup/pkg/command"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")

// Phase names the point in a run at which hooks execute.
type Phase string

const (
	PreBackup   Phase = "pre-backup"
	PostBackup  Phase = "post-backup"
	PreRestore  Phase = "pre-restore"
	PostRestore Phase = "post-restore"
)

// failFast reports whether a failing command aborts the phase.
// Pre hooks guard the run; post hooks are best effort.
func (p Phase) failFast() bool {
	return p == PreBackup || p == PreRestore
}

type Executor struct {
	runner *command.Runner
}

func NewExecutor(runner *command.Runner) *Executor {
	return &Executor{runner: runner}
}

// Run executes the commands of a phase in order.
func (e *Executor) Run(ctx context.Context, phase Phase, commands []string) error {
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "phase", phase)

	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		plog.Info("Executing command", "command", hookCommand)

		if err := e.runner.Shell(ctx, hookCommand); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if phase.failFast() {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}

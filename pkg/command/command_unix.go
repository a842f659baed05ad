//go:build !windows

package command

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setProcessGroup places the command in a new process group so signals on
// cancellation reach its children as well.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}

func shellCommand(commandLine string) (string, []string) {
	return "/bin/sh", []string{"-c", commandLine}
}

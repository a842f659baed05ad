//go:build windows

package command

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// setProcessGroup creates a new process group so the whole process tree is
// terminated when the context is cancelled.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func shellCommand(commandLine string) (string, []string) {
	return "cmd", []string{"/C", commandLine}
}

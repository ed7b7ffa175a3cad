//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup starts the child in its own process group and makes
// context cancellation kill the whole group, grandchildren included.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

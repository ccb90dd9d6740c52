//go:build unix

package analysis

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the program in its own process group and
// kills the whole group on cancellation, so helpers it spawns die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

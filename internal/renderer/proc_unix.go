//go:build unix

package renderer

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the renderer in its own process group so a timeout
// kills any helpers it spawned along with it.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

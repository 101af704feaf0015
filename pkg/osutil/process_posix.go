//go:build unix

package osutil

import (
	"os/exec"
	"syscall"
	"time"
)

// GracefulShutdownDelay is the time to wait for graceful shutdown before force killing.
const GracefulShutdownDelay = 2 * time.Second

// DetachSysProcAttr provides syscall attributes for detaching processes on Unix systems
var DetachSysProcAttr = syscall.SysProcAttr{
	Setpgid: true, // Create a new process group
	Pgid:    0,    // Use the process's own PID as the process group ID
}

// SetProcessGroup configures the command to run in its own process group.
// This allows killing the entire process tree on cancellation.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SetProcessGroupKill sets up a cancel function that terminates the entire
// process group, escalating from SIGTERM to SIGKILL after GracefulShutdownDelay.
// Must be called after SetProcessGroup and before cmd.Start().
func SetProcessGroupKill(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			if err == syscall.ESRCH {
				return nil
			}
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(GracefulShutdownDelay)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}

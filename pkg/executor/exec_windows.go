//go:build windows

package executor

import (
	"os"
	"os/exec"
)

// setSysProcAttr is a no-op on Windows; process groups and credential
// dropping are not available through SysProcAttr the same way.
func setSysProcAttr(cmd *exec.Cmd, uid, gid uint32) {
}

// signalGroup kills just the direct child. Windows has no process
// groups to signal and no SIGTERM, so every kill is forceful.
func signalGroup(pid int, force bool) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

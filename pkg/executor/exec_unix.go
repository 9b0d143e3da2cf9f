//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group so a kill
// reaches any subprocesses the tool spawned, and optionally drops
// credentials when the gateway runs privileged.
func setSysProcAttr(cmd *exec.Cmd, uid, gid uint32) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if uid != 0 || gid != 0 {
		attr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	}
	cmd.SysProcAttr = attr
}

// signalGroup signals the whole process group. force selects SIGKILL
// over SIGTERM.
func signalGroup(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pid, sig)
}

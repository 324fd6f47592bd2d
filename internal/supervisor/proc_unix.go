//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcess places the child in its own process group so that
// termination signals reach the whole tree it spawns.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup signals the child's process group, falling back to the single
// pid when the group cannot be resolved.
func killGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = syscall.Kill(pid, sig)
		return
	}
	_ = syscall.Kill(-pgid, sig)
}

// probePID checks process existence with kill(pid, 0), which sends no
// signal. The error is non-nil only when the result is inconclusive.
func probePID(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	case errors.Is(err, syscall.EPERM):
		// The process exists but belongs to another user.
		return true, nil
	}
	return false, err
}

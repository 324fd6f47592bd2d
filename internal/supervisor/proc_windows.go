//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {}

func killGroup(pid int, _ syscall.Signal) {
	if pid <= 0 {
		return
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
}

// probePID reports liveness via FindProcess, which opens a process handle
// on Windows and fails for pids that no longer exist.
func probePID(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	if _, err := os.FindProcess(pid); err != nil {
		return false, nil
	}
	return true, nil
}

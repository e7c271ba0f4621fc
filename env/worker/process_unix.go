//go:build darwin || linux

package worker

import (
	"os/exec"
	"syscall"
)

// configureProcess starts cmd in a new process group so a kill reaches
// everything the worker started.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// killProcessGroup kills the cmd process group if possible, falling back to
// killing the worker itself.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	if pid <= 0 {
		return cmd.Process.Kill()
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return cmd.Process.Kill()
}

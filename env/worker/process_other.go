//go:build !darwin && !linux

package worker

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// terminateProcess has no graceful signal to send here.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

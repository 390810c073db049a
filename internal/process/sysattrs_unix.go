//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in a new process group, or a new session when
// Spec.Detached is set, so group signals reach its descendants.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	attrs := &syscall.SysProcAttr{}
	if spec.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

func trueCommand(ctx context.Context) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/true")
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// KillGroup sends SIGKILL to the process group led by cmd's process.
func KillGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
}

// terminate asks the process group to exit.
func terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func pidExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

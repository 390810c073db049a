//go:build windows

package process

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	flags := uint32(createNewProcessGroup)
	if spec.Detached {
		flags |= detachedProcess
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: flags}
}

func trueCommand(ctx context.Context) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", "rem")
}

// KillGroup terminates cmd's process. Windows has no group signal; children started
// by the process are left alone.
func KillGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func pidExists(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid)) // #nosec G115
	return err == nil && ok
}

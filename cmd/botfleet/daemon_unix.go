//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// detach makes the supervisor a session leader without a controlling terminal,
// so closing the operator's shell does not hang up the fleet, and runs it from
// the fleet root.
func detach(cmd *exec.Cmd, root string) {
	cmd.Dir = root
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

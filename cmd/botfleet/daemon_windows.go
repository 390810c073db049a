//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

// detach gives the supervisor its own process group and no console, so Ctrl+C in
// the launching console does not reach the fleet, and runs it from the fleet root.
func detach(cmd *exec.Cmd, root string) {
	cmd.Dir = root
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | createNoWindow}
}

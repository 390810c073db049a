package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// daemonFlags are consumed by the parent and not passed on to the daemon. The
// value tells whether the flag takes an argument.
var daemonFlags = map[string]bool{"--daemonize": false, "--pidfile": true, "--logfile": true, "--config": true}

// daemonArgs drops the daemon flags and --config from args, in both "--flag value"
// and "--flag=value" form, then appends the absolute config path and the pid file
// the daemon removes on exit.
func daemonArgs(args []string, configPath, pidFile string) []string {
	out := make([]string, 0, len(args)+4)
	for i := 0; i < len(args); i++ {
		name, _, inline := strings.Cut(args[i], "=")
		takesValue, ok := daemonFlags[name]
		if !ok {
			out = append(out, args[i])
			continue
		}
		if takesValue && !inline {
			i++
		}
	}
	if configPath != "" {
		out = append(out, "--config", configPath)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	return out
}

// daemon describes a supervisor started in the background from fleet root.
type daemon struct {
	root       string
	configPath string
	pidFile    string
	logFile    string
}

// start runs the supervisor again, detached and working in the fleet root, and
// returns the pid of the daemon.
func (d daemon) start() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}
	if d.configPath != "" {
		if d.configPath, err = filepath.Abs(d.configPath); err != nil {
			return 0, err
		}
	}
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return 0, fmt.Errorf("create fleet root: %w", err)
	}
	// #nosec G204 -- re-executing ourselves
	cmd := exec.Command(exe, daemonArgs(os.Args[1:], d.configPath, d.pidFile)...)
	detach(cmd, d.root)

	if d.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(d.logFile), 0o750); err != nil {
			return 0, fmt.Errorf("create daemon log dir: %w", err)
		}
		// #nosec G304 -- operator supplied path
		f, err := os.OpenFile(d.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return 0, fmt.Errorf("open daemon log: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	if d.pidFile != "" {
		if err := writePidFile(d.pidFile, pid); err != nil {
			return pid, err
		}
	}
	return pid, nil
}

// writePidFile replaces path atomically so readers never see a partial pid.
func writePidFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pid-*")
	if err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pid file: %w", err)
	}
	// #nosec G302 -- pid files are world readable
	_ = os.Chmod(tmp.Name(), 0o644)
	return os.Rename(tmp.Name(), path)
}

func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

package process

import (
	"context"
	"os/exec"
	"strings"

	"github.com/loykin/botfleet/internal/logger"
)

// Spec describes a subprocess: either Path with Args, or a Command line that is split
// on whitespace and handed to /bin/sh when it needs shell parsing.
type Spec struct {
	Name     string        `json:"name"`
	Path     string        `json:"path,omitempty"`
	Args     []string      `json:"args,omitempty"`
	Command  string        `json:"command,omitempty"`
	WorkDir  string        `json:"work_dir,omitempty"`
	Env      []string      `json:"env,omitempty"`
	PIDFile  string        `json:"pid_file,omitempty"`
	Detached bool          `json:"detached,omitempty"`
	Log      logger.Config `json:"-"`
}

// BuildCommand constructs the command in its own process group. Cancelling ctx kills
// the whole group, not only the direct child.
func (s Spec) BuildCommand(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if s.Path != "" {
		// #nosec G204 -- paths come from the bundle catalog and configuration
		cmd = exec.CommandContext(ctx, s.Path, s.Args...)
	} else {
		cmd = commandLine(ctx, s.Command)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd, s)
	cmd.Cancel = func() error { return KillGroup(cmd) }
	return cmd
}

func commandLine(ctx context.Context, line string) *exec.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		return trueCommand(ctx)
	}
	if script, ok := explicitShell(line); ok {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// explicitShell recognizes "sh -c <script>" so the script is not wrapped twice. One
// pair of surrounding quotes is stripped from the script.
func explicitShell(line string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		rest, ok := strings.CutPrefix(line, p)
		if !ok {
			continue
		}
		if n := len(rest); n >= 2 && (rest[0] == '\'' || rest[0] == '"') && rest[n-1] == rest[0] {
			rest = rest[1 : n-1]
		}
		return rest, true
	}
	return "", false
}

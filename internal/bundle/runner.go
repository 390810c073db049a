package bundle

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/botfleet/internal/env"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/process"
)

const (
	defaultStepTimeout  = 5 * time.Minute
	defaultDrainTimeout = 2 * time.Second
	waitDelay           = 5 * time.Second
)

// runner executes non-interactive bundle steps to completion with merged output.
type runner struct {
	env     *env.Env
	vars    []string
	log     *slog.Logger
	timeout time.Duration
}

// scriptPath resolves a catalog script name inside dir.
func scriptPath(dir, script string) string {
	if filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(dir, script)
}

func (r *runner) run(ctx context.Context, bundle, step, dir, exe string, args ...string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	spec := process.Spec{Name: bundle + "." + step, Path: exe, Args: args, WorkDir: dir, Env: r.env.Environ(r.vars...)}
	cmd := spec.BuildCommand(ctx)
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	started := time.Now()
	err := cmd.Run()
	metrics.RecordBundleStep(bundle, step, time.Since(started), err)

	output := out.String()
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r\t "); line != "" {
			r.log.Info(line, "bundle", bundle, "step", step)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return output, &SubprocessError{Step: step, Script: exe, Err: err, Output: output}
	}
	return output, nil
}

// unpack extracts archive into dest with tar.
func (r *runner) unpack(ctx context.Context, bundle, step, archive, dest string) error {
	_, err := r.run(ctx, bundle, step, dest, "tar", "-xf", archive, "-C", dest)
	return err
}

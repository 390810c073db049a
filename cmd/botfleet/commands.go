package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/botfleet"
	"github.com/loykin/botfleet/internal/bundle"
	"github.com/loykin/botfleet/internal/console"
)

type command struct {
	flags *GlobalFlags
	in    io.Reader
	out   io.Writer
}

func (c *command) open(ctx context.Context, component string) (*botfleet.App, error) {
	cfg, err := botfleet.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return botfleet.Open(ctx, cfg, c.flags.ConfigPath, component)
}

// Console runs the interactive console, or the single command formed by args.
func (c *command) Console(ctx context.Context, args []string) error {
	app, err := c.open(ctx, "console")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	d := app.Console(c.in, c.out)
	var code int
	if len(args) > 0 {
		code = d.Batch(ctx, strings.Join(args, " "))
	} else {
		code = d.Run(ctx)
	}
	if code != console.ExitOK {
		return exitError{code: code}
	}
	return nil
}

func (c *command) Worker(ctx context.Context, f WorkerFlags) error {
	app, err := c.open(ctx, "worker-"+f.Name)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	w, err := app.Worker(ctx, f.Name, version)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func (c *command) Supervise(ctx context.Context, f SuperviseFlags) error {
	if f.Daemonize {
		cfg, err := botfleet.LoadConfig(c.flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		l := cfg.Layout()
		d := daemon{
			root:       l.Root,
			configPath: c.flags.ConfigPath,
			pidFile:    cmp.Or(f.PIDFile, l.SupervisorPIDFile()),
			logFile:    cmp.Or(f.LogFile, l.SupervisorLogFile()),
		}
		pid, err := d.start()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "supervisor started with PID %d\n", pid)
		return nil
	}
	if f.PIDFile != "" {
		if err := writePidFile(f.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PIDFile) }()
	}
	app, err := c.open(ctx, "supervisor")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	sup, err := app.Supervisor()
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return app.ServeMetrics(gctx) })
	return g.Wait()
}

// Versions prints the version of every catalog bundle, then the installed version of
// each client's bundle.
func (c *command) Versions(ctx context.Context) error {
	app, err := c.open(ctx, "console")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	orch := app.Orchestrator(nil)
	available := orch.RefreshVersions()
	names := make([]string, 0, len(available))
	for n := range available {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		_, _ = fmt.Fprintf(c.out, "%s %s\n", n, bundle.FormatVersion(available[n]))
	}

	clients, err := app.Registry.List(ctx)
	if err != nil {
		return err
	}
	for _, cl := range clients {
		if cl.Bundle == "" {
			continue
		}
		installed := bundle.InstalledVersion(app.Layout.BundleDir(cl.Name, cl.Bundle))
		line := fmt.Sprintf("client %s: %s %s", cl.Name, cl.Bundle, bundle.FormatVersion(installed))
		if orch.UpgradeAvailable(cl) {
			line += " (upgrade available)"
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	return nil
}

// History prints the lifecycle events recorded for one client.
func (c *command) History(ctx context.Context, f HistoryFlags) error {
	app, err := c.open(ctx, "console")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	rows, err := app.Trail(ctx, f.Name)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintf(c.out, "no events recorded for %s\n", f.Name)
		return nil
	}
	for _, r := range rows {
		line := fmt.Sprintf("%s %-16s %-8s", r.OccurredAt.Format(time.RFC3339), r.Event, r.State)
		if r.IPCPort != 0 {
			line += fmt.Sprintf(" port=%d", r.IPCPort)
		}
		if r.Detail != "" {
			line += " " + r.Detail
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	return nil
}

// Migrate creates the ledger, registry and history schemas, which opening the
// application already does.
func (c *command) Migrate(ctx context.Context) error {
	app, err := c.open(ctx, "migrate")
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	_, _ = fmt.Fprintln(c.out, "schemas are up to date")
	return nil
}

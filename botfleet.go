package botfleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botfleet/internal/bundle"
	"github.com/loykin/botfleet/internal/config"
	"github.com/loykin/botfleet/internal/console"
	"github.com/loykin/botfleet/internal/env"
	"github.com/loykin/botfleet/internal/history"
	hfactory "github.com/loykin/botfleet/internal/history/factory"
	"github.com/loykin/botfleet/internal/ipc"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/lifecycle"
	"github.com/loykin/botfleet/internal/logger"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/server"
	"github.com/loykin/botfleet/internal/store"
	sfactory "github.com/loykin/botfleet/internal/store/factory"
	"github.com/loykin/botfleet/internal/supervisor"
	tlsutil "github.com/loykin/botfleet/internal/tls"
	"github.com/loykin/botfleet/internal/worker"
)

// Re-exported for embedding callers.
type (
	Config      = config.Config
	Client      = registry.Client
	State       = store.State
	HistorySink = history.Sink
)

// LoadConfig reads the TOML file at path. An empty path yields the defaults plus
// BOTFLEET_* environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App is the context every botfleet command runs in. It owns the stores and closes
// them in Close.
type App struct {
	Config     *Config
	ConfigPath string
	Log        *slog.Logger
	States     store.Store
	Registry   *registry.Registry
	History    history.Sink
	Ledger     *lifecycle.Ledger
	Sender     *ipc.Sender
	Layout     layout.Layout
	Catalog    *bundle.Catalog
	Env        *env.Env

	closers []io.Closer
}

// Open connects the process state store, the client registry and the history sink
// described by cfg. component names the log file when logging to a directory.
func Open(ctx context.Context, cfg *Config, configPath, component string) (*App, error) {
	log, logCloser := logger.New(cfg.Log, component)
	a := &App{
		Config:     cfg,
		ConfigPath: configPath,
		Log:        log,
		Layout:     cfg.Layout(),
		History:    history.Nop{},
		closers:    []io.Closer{logCloser},
	}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return fmt.Errorf("create root %s: %w", cfg.Root, err)
	}
	states, err := sfactory.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open process state store: %w", err)
	}
	a.States = states
	a.closers = append(a.closers, states)

	reg, err := registry.Open(ctx, cfg.Registry.DSN, states,
		registry.WithTablePrefix(cfg.Registry.TablePrefix), registry.WithLogger(a.Log))
	if err != nil {
		return fmt.Errorf("open client registry: %w", err)
	}
	a.Registry = reg
	a.closers = append(a.closers, reg)

	if cfg.History.Enabled {
		sink, err := hfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history sink: %w", err)
		}
		a.History = sink
		if c, ok := sink.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
	}
	a.Ledger = lifecycle.NewLedger(states, a.History, a.Log)
	a.Sender = ipc.NewSender("console", ipc.WithPolicy(cfg.IPC.Policy()), ipc.WithSenderLogger(a.Log))

	if a.Env, err = cfg.ScriptEnv(); err != nil {
		return err
	}
	a.Catalog, err = bundle.LoadCatalog(cfg.Bundles.Catalog)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.Log.Debug("no integration catalog", "path", cfg.Bundles.Catalog)
		a.Catalog = &bundle.Catalog{}
	case err != nil:
		return fmt.Errorf("load integration catalog: %w", err)
	}
	return metrics.Register(prometheus.DefaultRegisterer)
}

// Close releases the stores in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Orchestrator builds the bundle orchestrator answering prompts through op.
func (a *App) Orchestrator(op bundle.Operator) *bundle.Orchestrator {
	return bundle.New(a.Layout, a.Catalog, a.Registry, op,
		bundle.WithEnv(a.Env),
		bundle.WithLogger(a.Log),
		bundle.WithStepTimeout(a.Config.Bundles.StepTimeout),
		bundle.WithDrainTimeout(a.Config.Bundles.DrainTimeout),
	)
}

// Console builds the operator console reading from in and writing to out.
func (a *App) Console(in io.Reader, out io.Writer) *console.Dispatcher {
	t := console.NewTerminal(in, out)
	m := lifecycle.New(a.Ledger, a.Sender, a.Layout, t, lifecycle.WithLogger(a.Log))
	orch := a.Orchestrator(t)
	orch.RefreshVersions()
	return console.New(a.Registry, a.Ledger, m, orch, a.Layout, t,
		console.WithBinaries(a.Config.Binaries),
		console.WithTLSFiles(a.Config.Server.TLSKeyFile, a.Config.Server.TLSCertFile),
		console.WithLogger(a.Log),
	)
}

// Worker prepares the worker of the client called name.
func (a *App) Worker(ctx context.Context, name string, version string) (*worker.Worker, error) {
	c, err := a.Registry.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", name, err)
	}
	cfg := worker.Config{
		Client:  c,
		Ledger:  a.Ledger,
		Layout:  &a.Layout,
		Version: version,
		Log:     a.Log,
	}
	if c.HTTPS {
		sc := a.Config.Server
		cfg.TLS, err = tlsutil.Setup(tlsutil.Options{
			CertFile:     c.TLSCertFile,
			KeyFile:      c.TLSKeyFile,
			Dir:          sc.TLSDir,
			AutoGenerate: sc.AutoGenerate,
			MinVersion:   sc.TLSMinVersion,
			CommonName:   c.Interface,
		})
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", name, err)
		}
	}
	if c.Bundle != "" {
		rt, err := a.Orchestrator(nopOperator{}).Runtime(c)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", name, err)
		}
		cfg.Engine = rt
	}
	return worker.New(cfg), nil
}

// Supervisor builds the supervisor. Workers are launched with the supervisor's
// worker_command, or with this executable's worker subcommand when it is empty.
func (a *App) Supervisor() (*supervisor.Supervisor, error) {
	cmd := strings.Fields(a.Config.Supervisor.WorkerCommand)
	if len(cmd) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cmd = []string{exe}
		if a.ConfigPath != "" {
			cmd = append(cmd, "--config", a.ConfigPath)
		}
		cmd = append(cmd, "worker")
	}
	var watch string
	if p, ok := sqlitePath(a.Config.Store.DSN); ok {
		watch = p
	}
	return supervisor.New(supervisor.Config{
		Clients:     a.Registry,
		Ledger:      a.Ledger,
		Layout:      a.Layout,
		Command:     cmd,
		Env:         a.Env.Environ(),
		Log:         a.Config.Log,
		Interval:    a.Config.Supervisor.Interval,
		StopTimeout: a.Config.Supervisor.StopTimeout,
		WatchFile:   watch,
		Logger:      a.Log,
	})
}

// ErrNoTrail is returned by Trail when the history sink is disabled or cannot
// read events back.
var ErrNoTrail = errors.New("history sink cannot read events back")

// Trail returns the recorded lifecycle events of a client, oldest first. name is
// a registered client name or a process name of the form <binary>.<name>, which
// also finds the events of deleted clients.
func (a *App) Trail(ctx context.Context, name string) ([]history.Row, error) {
	t, ok := a.History.(history.Trailer)
	if !ok {
		return nil, ErrNoTrail
	}
	process := name
	if !strings.Contains(name, ".") {
		c, err := a.Registry.FindByName(ctx, name)
		if err != nil {
			return nil, err
		}
		process = c.ProcessName()
	}
	return t.Trail(ctx, process)
}

// ServeMetrics serves /metrics on metrics.listen until ctx ends. It returns at once
// when no listen address is configured.
func (a *App) ServeMetrics(ctx context.Context) error {
	addr := a.Config.Metrics.Listen
	if addr == "" {
		return nil
	}
	a.Log.Info("serving metrics", "addr", addr)
	return server.ListenAndServe(ctx, server.New(addr, server.MetricsHandler(), nil))
}

func sqlitePath(dsn string) (string, bool) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return "", false
	case strings.HasPrefix(ld, "sqlite://"):
		d = d[len("sqlite://"):]
	}
	if d == "" || d == ":memory:" {
		return "", false
	}
	return d, true
}

// nopOperator backs the bundle runtime of a worker, which never prompts.
type nopOperator struct{}

func (nopOperator) Ask(_, current string) (string, error) { return current, nil }
func (nopOperator) Choose(string, []string) (int, error) {
	return 0, errors.New("no operator attached to this worker")
}
func (nopOperator) Say(string) {}

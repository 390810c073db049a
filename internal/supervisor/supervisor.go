package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/lifecycle"
	"github.com/loykin/botfleet/internal/logger"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/process"
	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/store"
)

const (
	defaultInterval    = 5 * time.Second
	defaultStopTimeout = 10 * time.Second

	// PIDFileName is written into each client directory while its worker runs.
	PIDFileName = "worker.pid"
)

// Lister returns the configured clients.
type Lister interface {
	List(ctx context.Context) ([]registry.Client, error)
}

// Config wires a Supervisor.
type Config struct {
	Clients Lister
	Ledger  *lifecycle.Ledger
	Layout  layout.Layout
	// Command starts a worker; "--name <client>" is appended.
	Command []string
	Env     []string
	// Log holds the rotation settings for worker stdout and stderr. Files go to each
	// client's log directory.
	Log         logger.Config
	Interval    time.Duration
	StopTimeout time.Duration
	// WatchFile, when set, triggers a pass whenever the file changes. It is the sqlite
	// ledger file for local deployments.
	WatchFile string
	Logger    *slog.Logger
}

// Supervisor launches a worker for every client whose ledger entry is DOWN. Workers
// own their entry once started; the supervisor only writes DOWN for workers that
// exited without doing so themselves.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	children map[string]*process.Process
	wg       sync.WaitGroup
	exited   chan string
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Clients == nil || cfg.Ledger == nil {
		return nil, errors.New("supervisor: clients and ledger are required")
	}
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("supervisor: worker command is empty")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		log:      log,
		children: make(map[string]*process.Process),
		exited:   make(chan string, 16),
	}, nil
}

// Running returns the process names of the workers this supervisor has started and
// not yet reaped.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.children))
	for n := range s.children {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) pidFile(c registry.Client) string {
	return filepath.Join(s.cfg.Layout.ClientDir(c.Name), PIDFileName)
}

// Run recovers stale entries and then reconciles on every tick, ledger change or
// worker exit until ctx is done. Workers are stopped before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		s.log.Warn("recovering stale workers failed", "error", err)
	}
	var changes <-chan struct{}
	if s.cfg.WatchFile != "" {
		ch, err := watchFile(ctx, s.cfg.WatchFile, s.log)
		if err != nil {
			s.log.Warn("ledger watch disabled", "path", s.cfg.WatchFile, "error", err)
		} else {
			changes = ch
		}
	}
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	defer s.StopAll()

	for {
		if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		case name := <-s.exited:
			s.log.Debug("worker exit observed", "process", name)
		}
	}
}

// Recover marks RUNNING clients DOWN when no live worker backs them, so a worker that
// died with the host or a previous supervisor is launched again.
func (s *Supervisor) Recover(ctx context.Context) error {
	clients, err := s.cfg.Clients.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range clients {
		name := c.ProcessName()
		rec, err := s.cfg.Ledger.Get(ctx, name)
		if err != nil || rec.State != store.StateRunning || s.owns(name) {
			continue
		}
		if _, alive := process.AliveFromPIDFile(s.pidFile(c)); alive {
			continue
		}
		s.log.Info("no live worker behind RUNNING entry", "client", c.Name)
		if err := s.cfg.Ledger.Commit(ctx, name, 0, store.StateDown, history.EventDown, "stale entry recovered"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) owns(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[name]
	return ok
}

// Reconcile launches a worker for each DOWN client that has none and returns the
// names of the clients launched.
func (s *Supervisor) Reconcile(ctx context.Context) ([]string, error) {
	clients, err := s.cfg.Clients.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	var launched []string
	var errs []error
	for _, c := range clients {
		if ctx.Err() != nil {
			break
		}
		name := c.ProcessName()
		rec, err := s.cfg.Ledger.Get(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec.State != store.StateDown || s.owns(name) {
			continue
		}
		if _, alive := process.AliveFromPIDFile(s.pidFile(c)); alive {
			continue
		}
		if err := s.launch(ctx, c, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		launched = append(launched, c.Name)
	}
	return launched, errors.Join(errs...)
}

func (s *Supervisor) launch(ctx context.Context, c registry.Client, rec store.Record) error {
	name := c.ProcessName()
	logCfg := s.cfg.Log
	logCfg.File.Dir = s.cfg.Layout.LogDir(c.Name)
	logCfg.File.StdoutPath, logCfg.File.StderrPath = "", ""

	args := append(append([]string{}, s.cfg.Command[1:]...), "--name", c.Name)
	p := process.New(process.Spec{
		Name:    name,
		Path:    s.cfg.Command[0],
		Args:    args,
		WorkDir: s.cfg.Layout.ClientDir(c.Name),
		Env:     s.cfg.Env,
		PIDFile: s.pidFile(c),
		Log:     logCfg,
	})

	err := s.cfg.Layout.EnsureClientDirs(c.Name)
	if err == nil {
		err = p.Start(context.WithoutCancel(ctx))
	}
	metrics.IncWorkerLaunch(name, err)
	if err != nil {
		s.cfg.Ledger.Record(ctx, history.New(history.EventLaunchFailed, rec, err.Error()))
		return fmt.Errorf("launch %s: %w", c.Name, err)
	}
	s.log.Info("worker launched", "client", c.Name, "pid", p.Status().PID)

	s.mu.Lock()
	s.children[name] = p
	s.mu.Unlock()
	s.wg.Add(1)
	go s.reap(ctx, c, p)
	return nil
}

// reap waits for a worker and writes DOWN when it exited while its entry still says
// RUNNING.
func (s *Supervisor) reap(ctx context.Context, c registry.Client, p *process.Process) {
	defer s.wg.Done()
	<-p.Done()
	name := c.ProcessName()
	st := p.Status()

	s.mu.Lock()
	delete(s.children, name)
	s.mu.Unlock()

	detail := "worker exited"
	if st.ExitErr != nil {
		detail = fmt.Sprintf("worker exited: %v", st.ExitErr)
	}
	s.log.Info("worker exited", "client", c.Name, "pid", st.PID, "error", st.ExitErr)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopTimeout)
	defer cancel()
	rec, err := s.cfg.Ledger.Get(cctx, name)
	if err == nil && rec.State == store.StateRunning {
		if err := s.cfg.Ledger.Commit(cctx, name, 0, store.StateDown, history.EventDown, detail); err != nil {
			s.log.Warn("could not mark exited worker down", "client", c.Name, "error", err)
		}
	}
	select {
	case s.exited <- name:
	default:
	}
}

// StopAll terminates every worker started by this supervisor and waits until each
// has been reaped.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make([]*process.Process, 0, len(s.children))
	for _, p := range s.children {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *process.Process) {
			defer wg.Done()
			if err := p.Stop(s.cfg.StopTimeout); err != nil {
				s.log.Warn("stopping worker failed", "process", p.Spec().Name, "error", err)
			}
		}(p)
	}
	wg.Wait()
	s.wg.Wait()
}

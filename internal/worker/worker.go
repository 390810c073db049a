package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/ipc"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/lifecycle"
	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/server"
	"github.com/loykin/botfleet/internal/store"
)

const defaultStopTimeout = 10 * time.Second

// Config describes one worker run.
type Config struct {
	Client registry.Client
	Ledger *lifecycle.Ledger
	// Engine defaults to NopEngine.
	Engine Engine
	// Layout is used to persist a password delivered over the control channel.
	Layout *layout.Layout
	// IPCPort 0 binds an ephemeral port.
	IPCPort int
	// TLS is required when the client serves HTTPS.
	TLS         *tls.Config
	Version     string
	StopTimeout time.Duration
	Log         *slog.Logger
}

// Worker runs a single client: it owns the client's ledger entry from RUNNING until
// it exits, serves the control channel and, when the client has an interface, the
// HTTP API.
type Worker struct {
	cfg     Config
	name    string
	log     *slog.Logger
	started time.Time

	mu    sync.RWMutex
	state store.State
	port  int
	final store.State
}

func New(cfg Config) *Worker {
	if cfg.Engine == nil {
		cfg.Engine = NopEngine{}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	name := cfg.Client.ProcessName()
	return &Worker{
		cfg:   cfg,
		name:  name,
		log:   log.With("client", cfg.Client.Name, "process", name),
		state: store.StateDown,
		final: store.StateDown,
	}
}

// State is the worker's current state as answered to state queries.
func (w *Worker) State() store.State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Port is the bound control port, 0 before Run has bound it.
func (w *Worker) Port() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.port
}

func (w *Worker) setState(st store.State) {
	w.mu.Lock()
	w.state = st
	w.mu.Unlock()
}

func (w *Worker) exitWith(st store.State) {
	w.mu.Lock()
	w.final = st
	w.mu.Unlock()
}

func (w *Worker) status() server.Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return server.Status{
		Name:      w.cfg.Client.Name,
		Process:   w.name,
		State:     string(w.state),
		IPCPort:   w.port,
		Bundle:    w.cfg.Client.Bundle,
		Version:   w.cfg.Version,
		StartedAt: w.started,
	}
}

// Run binds the control channel and HTTP listener, commits RUNNING and serves until
// ctx is canceled or a pause or stop command arrives. The final state, PAUSED after a
// pause and DOWN otherwise, is committed before Run returns.
func (w *Worker) Run(ctx context.Context) (err error) {
	if w.cfg.Ledger == nil {
		return errors.New("worker: ledger is required")
	}
	ln, err := ipc.Listen(w.cfg.IPCPort,
		ipc.WithStateFunc(func() string { return string(w.State()) }),
		ipc.WithListenerLogger(w.log),
	)
	if err != nil {
		return fmt.Errorf("bind control channel: %w", err)
	}
	httpLn, srv, err := w.bindHTTP()
	if err != nil {
		_ = ln.Close()
		return err
	}

	w.mu.Lock()
	w.port = ln.Port()
	w.started = time.Now().UTC()
	w.mu.Unlock()

	w.setState(store.StateRunning)
	if err := w.cfg.Ledger.Commit(ctx, w.name, ln.Port(), store.StateRunning, history.EventRunning, ""); err != nil {
		w.setState(store.StateDown)
		_ = ln.Close()
		if httpLn != nil {
			_ = httpLn.Close()
		}
		return err
	}
	w.log.Info("worker running", "ipc_port", ln.Port())
	defer func() {
		if cerr := w.commitFinal(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ln.Serve(gctx) })
	if srv != nil {
		g.Go(func() error { return server.Serve(gctx, srv, httpLn) })
	}
	g.Go(func() error {
		w.control(ln.Messages(), cancel)
		return nil
	})

	if err := w.cfg.Engine.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		w.stopEngine(ctx)
		return fmt.Errorf("start engine: %w", err)
	}
	werr := g.Wait()
	w.stopEngine(ctx)
	return werr
}

// control drains the control channel until it is closed.
func (w *Worker) control(msgs <-chan ipc.Message, cancel context.CancelFunc) {
	for msg := range msgs {
		switch msg.Command {
		case ipc.CmdPause:
			w.log.Info("pause requested", "from", msg.From)
			w.exitWith(store.StatePaused)
			cancel()
		case ipc.CmdStop:
			w.log.Info("stop requested", "from", msg.From)
			w.exitWith(store.StateDown)
			cancel()
		case ipc.MsgPassword:
			if w.cfg.Layout == nil {
				w.log.Warn("password delivered but no layout configured")
				continue
			}
			if err := w.cfg.Layout.SavePassword(w.cfg.Client.Name, msg.Value); err != nil {
				w.log.Warn("failed to save delivered password", "error", err)
			}
		default:
			w.log.Debug("control message ignored", "command", msg.Command, "from", msg.From)
		}
	}
}

func (w *Worker) stopEngine(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StopTimeout)
	defer cancel()
	if err := w.cfg.Engine.Stop(sctx); err != nil {
		w.log.Warn("engine stop failed", "error", err)
	}
}

func (w *Worker) commitFinal(ctx context.Context) error {
	w.mu.RLock()
	final := w.final
	w.mu.RUnlock()
	ev := history.EventDown
	if final == store.StatePaused {
		ev = history.EventPaused
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StopTimeout)
	defer cancel()
	if err := w.cfg.Ledger.Commit(cctx, w.name, 0, final, ev, ""); err != nil {
		return err
	}
	w.setState(final)
	w.log.Info("worker exited", "state", final)
	return nil
}

func (w *Worker) bindHTTP() (net.Listener, *http.Server, error) {
	c := w.cfg.Client
	if c.Interface == "" || c.Port == 0 {
		return nil, nil, nil
	}
	var tlsCfg *tls.Config
	if c.HTTPS {
		if w.cfg.TLS == nil {
			return nil, nil, fmt.Errorf("client %s serves https but no tls configuration was given", c.Name)
		}
		tlsCfg = w.cfg.TLS
	}
	addr := net.JoinHostPort(c.Interface, strconv.Itoa(c.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("bind http %s: %w", addr, err)
	}
	h := server.NewRouter(c.APIKey, "", w.status, w.log).Handler()
	return ln, server.New(addr, h, tlsCfg), nil
}

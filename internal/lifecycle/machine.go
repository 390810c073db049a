package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/ipc"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/store"
)

// Prompter is the operator side of a lifecycle operation.
type Prompter interface {
	Confirm(question string) (bool, error)
	// Secret reads a value without echo.
	Secret(prompt string) (string, error)
	Warn(msg string)
}

// Sender delivers one control message to a worker listening on port.
type Sender interface {
	Send(ctx context.Context, port int, msg ipc.Message) error
}

// Machine applies the legality rules of operator driven transitions. Workers own
// DOWN to RUNNING; the machine never writes RUNNING.
type Machine struct {
	ledger *Ledger
	sender Sender
	layout layout.Layout
	prompt Prompter
	log    *slog.Logger
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

func New(ledger *Ledger, sender Sender, l layout.Layout, p Prompter, opts ...Option) *Machine {
	m := &Machine{ledger: ledger, sender: sender, layout: l, prompt: p, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) state(ctx context.Context, op string, c registry.Client) (store.Record, error) {
	rec, err := m.ledger.Get(ctx, c.ProcessName())
	if err != nil {
		return store.Record{}, fmt.Errorf("%s %s: could not get the client state: %w", op, c.Name, err)
	}
	return rec, nil
}

func (m *Machine) confirm(q string) error {
	ok, err := m.prompt.Confirm(q)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeclined
	}
	return nil
}

// Pause asks a running worker to pause over its control channel. The ledger is left
// to the worker. With force the worker is believed dead: the ledger is set to PAUSED
// directly and no process is contacted, whatever the recorded state and port.
func (m *Machine) Pause(ctx context.Context, c registry.Client, force bool) error {
	rec, err := m.state(ctx, "pause", c)
	if err != nil {
		return err
	}
	if force {
		return m.forcePause(ctx, c, rec)
	}
	if rec.IPCPort == 0 {
		return &PreconditionError{Op: "pause", Name: c.Name, State: rec.State, Err: ErrNoControlChannel}
	}
	if rec.State != store.StateRunning {
		return &PreconditionError{Op: "pause", Name: c.Name, State: rec.State, Err: ErrNotRunning}
	}
	if err := m.confirm(fmt.Sprintf("Do you really want to pause the client with the name %s", c.Name)); err != nil {
		return err
	}
	m.ledger.Record(ctx, history.New(history.EventPauseRequested, rec, ""))
	if err := m.sender.Send(ctx, rec.IPCPort, ipc.Message{Command: ipc.CmdPause}); err != nil {
		return fmt.Errorf("pause %s: %w", c.Name, err)
	}
	m.log.Info("pause delivered", "client", c.Name, "ipc_port", rec.IPCPort)
	return nil
}

func (m *Machine) forcePause(ctx context.Context, c registry.Client, rec store.Record) error {
	q := fmt.Sprintf("Force the client with the name %s to PAUSED without contacting it (state %s)?", c.Name, rec.State)
	if err := m.confirm(q); err != nil {
		return err
	}
	detail := fmt.Sprintf("forced by operator from %s", rec.State)
	if err := m.ledger.Commit(ctx, rec.Name, 0, store.StatePaused, history.EventForcePaused, detail); err != nil {
		return err
	}
	m.log.Warn("client force paused", "client", c.Name, "from", rec.State, "ipc_port", rec.IPCPort)
	m.prompt.Warn("Client state was force set to paused. Please verify the client process is not running.")
	return nil
}

// Start hands a paused client back to the supervisor by marking it DOWN. When the
// worker has no derived database key yet its password is collected first.
func (m *Machine) Start(ctx context.Context, c registry.Client, force bool) error {
	rec, err := m.state(ctx, "start", c)
	if err != nil {
		return err
	}
	if !force {
		switch rec.State {
		case store.StateDown:
			return &PreconditionError{Op: "start", Name: c.Name, State: rec.State, Err: ErrAlreadyWaiting}
		case store.StateRunning:
			return &PreconditionError{Op: "start", Name: c.Name, State: rec.State, Err: ErrRunning}
		}
	}
	if err := m.confirm(fmt.Sprintf("Do you really want to start the client with the name %s", c.Name)); err != nil {
		return err
	}
	if err := m.ensureCredentials(c); err != nil {
		return fmt.Errorf("start %s: %w", c.Name, err)
	}
	return m.ledger.Commit(ctx, rec.Name, 0, store.StateDown, history.EventStartRequested, "")
}

func (m *Machine) ensureCredentials(c registry.Client) error {
	if m.layout.HasCredentials(c.Name) {
		return nil
	}
	if !m.layout.ConfigExists(c.Name) {
		return layout.ErrConfigMissing
	}
	for {
		pw, err := m.prompt.Secret("Enter password for this client:")
		if err != nil {
			return err
		}
		if len(pw) >= registry.MinSecretLen {
			return m.layout.SavePassword(c.Name, pw)
		}
		if pw != "" {
			m.prompt.Warn(fmt.Sprintf("Password should be at least %d characters long!", registry.MinSecretLen))
		}
	}
}

// CheckDelete refuses deleting a running client unless force is set. A client with
// no state record may always be deleted.
func (m *Machine) CheckDelete(ctx context.Context, c registry.Client, force bool) error {
	rec, err := m.ledger.Get(ctx, c.ProcessName())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State == store.StateRunning && !force {
		return &PreconditionError{Op: "delete", Name: c.Name, State: rec.State, Err: ErrStillRunning}
	}
	if rec.IPCPort == 0 {
		m.prompt.Warn("Client does not have a control channel, its worker process cannot be stopped from here.")
		return m.confirm("Do you want to continue?")
	}
	return nil
}

// CheckModify allows modifying a client that is not running.
func (m *Machine) CheckModify(ctx context.Context, c registry.Client) error {
	return m.notRunning(ctx, "modify", c)
}

// CheckUpgrade allows upgrading a client's bundle while it is not running.
func (m *Machine) CheckUpgrade(ctx context.Context, c registry.Client) error {
	return m.notRunning(ctx, "upgrade", c)
}

func (m *Machine) notRunning(ctx context.Context, op string, c registry.Client) error {
	rec, err := m.ledger.Get(ctx, c.ProcessName())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State == store.StateRunning {
		return &PreconditionError{Op: op, Name: c.Name, State: rec.State, Err: ErrRunning}
	}
	return nil
}

// Deleted records the removal of a client's process state.
func (m *Machine) Deleted(ctx context.Context, c registry.Client) {
	m.ledger.Record(ctx, history.New(history.EventDeleted, store.Record{Name: c.ProcessName()}, ""))
}

// Registered records the creation of a client's process state.
func (m *Machine) Registered(ctx context.Context, c registry.Client) {
	rec, err := m.ledger.Get(ctx, c.ProcessName())
	if err != nil {
		rec = store.Record{Name: c.ProcessName(), State: store.StateDown}
	}
	m.ledger.Record(ctx, history.New(history.EventRegistered, rec, ""))
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/store"
)

var knownStates = []string{string(store.StateDown), string(store.StateRunning), string(store.StatePaused)}

// Ledger commits state changes to the process state store and records each one to
// metrics and history. Both the console and workers write through it.
type Ledger struct {
	states store.Store
	sink   history.Sink
	log    *slog.Logger
}

func NewLedger(states store.Store, sink history.Sink, log *slog.Logger) *Ledger {
	if sink == nil {
		sink = history.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{states: states, sink: sink, log: log}
}

func (l *Ledger) Store() store.Store { return l.states }

// Get returns the current record of process name.
func (l *Ledger) Get(ctx context.Context, name string) (store.Record, error) {
	return l.states.Get(ctx, name)
}

// Commit writes the new state of name. The previous state, if any, labels the
// transition metric.
func (l *Ledger) Commit(ctx context.Context, name string, port int, state store.State, ev history.EventType, detail string) error {
	from := "NONE"
	if prev, err := l.states.Get(ctx, name); err == nil {
		from = string(prev.State)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read state of %s: %w", name, err)
	}
	if err := l.states.Set(ctx, name, port, state); err != nil {
		return fmt.Errorf("set state of %s: %w", name, err)
	}
	metrics.RecordStateTransition(name, from, string(state))
	metrics.SetCurrentState(name, string(state), knownStates...)

	rec := store.Record{Name: name, State: state, IPCPort: port}
	l.Record(ctx, history.New(ev, rec, detail))
	l.log.Debug("state committed", "name", name, "from", from, "to", state, "ipc_port", port)
	return nil
}

// Record sends e to the history sink. Sink failures are logged and otherwise ignored.
func (l *Ledger) Record(ctx context.Context, e history.Event) {
	if err := l.sink.Send(ctx, e); err != nil {
		l.log.Warn("history sink failed", "event", e.Type, "name", e.Record.Name, "error", err)
	}
}

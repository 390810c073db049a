package history

import (
	"context"
	"time"

	"github.com/loykin/botfleet/internal/store"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventRegistered     EventType = "registered"
	EventStartRequested EventType = "start_requested"
	EventPauseRequested EventType = "pause_requested"
	EventForcePaused    EventType = "force_paused"
	EventRunning        EventType = "running"
	EventPaused         EventType = "paused"
	EventDown           EventType = "down"
	EventDeleted        EventType = "deleted"
	EventUpgraded       EventType = "upgraded"
	EventLaunchFailed   EventType = "launch_failed"
)

// Event is a lifecycle event exported to external systems. Record is the ledger
// entry as it stood after the event.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     store.Record `json:"record"`
	Detail     string       `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Trailer is implemented by sinks that can read back the events of one
// client, oldest first.
type Trailer interface {
	Trail(ctx context.Context, client string) ([]Row, error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }

// New builds an event stamped with the current time.
func New(t EventType, rec store.Record, detail string) Event {
	return Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec, Detail: detail}
}

// Row is an event flattened into the columns every tabular sink stores.
type Row struct {
	OccurredAt time.Time
	Event      string
	Client     string
	State      string
	IPCPort    int
	Detail     string
}

// Row flattens e. Records without a state are stored as DOWN.
func (e Event) Row() Row {
	state := string(e.Record.State)
	if state == "" {
		state = string(store.StateDown)
	}
	return Row{
		OccurredAt: e.OccurredAt.UTC(),
		Event:      string(e.Type),
		Client:     e.Record.Name,
		State:      state,
		IPCPort:    e.Record.IPCPort,
		Detail:     e.Detail,
	}
}

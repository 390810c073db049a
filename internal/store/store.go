package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a supervised process as kept in the ledger.
type State string

const (
	StateDown    State = "DOWN"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

// ErrNotFound is returned by Get when no record exists for the process name.
var ErrNotFound = errors.New("process state not found")

// ParseState converts a stored or user supplied string into a State.
func ParseState(s string) (State, error) {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateDown:
		return StateDown, nil
	case StateRunning:
		return StateRunning, nil
	case StatePaused:
		return StatePaused, nil
	}
	return "", fmt.Errorf("unknown process state %q", s)
}

// Record is the unit of state we persist for a supervised process.
// Name is unique across all supervised processes (clients and system processes alike).
// IPCPort is 0 when the process exposes no control channel.
// UpdatedAt is in UTC.

type Record struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	IPCPort   int       `json:"ipc_port"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a passive ledger of process states. It never validates transitions.

type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, name string) (Record, error)
	Set(ctx context.Context, name string, ipcPort int, state State) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

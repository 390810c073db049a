package lifecycle

import (
	"errors"
	"fmt"

	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/store"
)

var (
	// ErrStillRunning is shared with the registry so a refused delete classifies the
	// same way whichever layer refused it.
	ErrStillRunning     = registry.ErrStillRunning
	ErrNotRunning       = errors.New("client must be running")
	ErrNoControlChannel = errors.New("no control channel defined for this worker")
	ErrAlreadyWaiting   = errors.New("client is already waiting to start; check that the supervisor is running")
	ErrRunning          = errors.New("client is running")

	// ErrDeclined is returned when the operator answers no to a confirmation.
	ErrDeclined = errors.New("declined by operator")
)

// PreconditionError reports an operation that is illegal in the client's current state.
// The ledger is unchanged when one is returned.
type PreconditionError struct {
	Op    string
	Name  string
	State store.State
	Err   error
}

func (e *PreconditionError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Name, e.State, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

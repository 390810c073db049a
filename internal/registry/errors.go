package registry

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("client not found")
	ErrDuplicateName      = errors.New("client name already in use")
	ErrDuplicateInterface = errors.New("interface and port combination already in use")
	ErrInvalidField       = errors.New("invalid field")
	ErrStillRunning       = errors.New("client is running")

	ErrConsoleUserNotFound = errors.New("console user not found")
	ErrConsoleUserExists   = errors.New("console user already exists")
	ErrNoToken             = errors.New("no token associated with console user")
)

// ValidationError reports a rejected add/modify. The registry is unchanged when one
// is returned.
type ValidationError struct {
	Field string
	Err   error
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Err: ErrInvalidField, Msg: msg}
}

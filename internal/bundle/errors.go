package bundle

import (
	"errors"
	"fmt"
)

// Steps of bundle orchestration, as reported in SubprocessError.Step.
const (
	StepUnpack    = "unpack"
	StepInstall   = "install"
	StepConfigure = "configure"
	StepUpgrade   = "upgrade"
)

var (
	// ErrUpgradeIncomplete means the old bundle directory was removed but the staged
	// one could not be moved into place. Nothing is rolled back.
	ErrUpgradeIncomplete = errors.New("upgrade incomplete: old bundle removed, new bundle not in place")
	ErrNoConsoleUsers    = errors.New("there are no console users defined; create a console user and a token")
	ErrNoUpgrade         = errors.New("no newer bundle version available")
	ErrNoBundle          = errors.New("client has no integration bundle")
	ErrBadManifest       = errors.New("invalid VERSION manifest")
)

// SubprocessError reports a failed bundle step. Output holds what the subprocess
// printed before failing. Remaining steps are not run and files already written
// stay in place.
type SubprocessError struct {
	Step   string
	Script string
	Err    error
	Output string
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("%s step (%s) failed: %v", e.Step, e.Script, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

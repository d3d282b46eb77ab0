package runner

import (
	"errors"
	"fmt"
)

// Runner errors.
var (
	// ErrScriptNotFound indicates the requested script is not a regular
	// file. Runs that hit it end silently.
	ErrScriptNotFound = errors.New("script not found")

	// ErrDebugAttachFailed indicates the debugger could not be attached.
	ErrDebugAttachFailed = errors.New("debugger attach failed")

	// ErrScriptLoad indicates the script could not be loaded or has no
	// entry point.
	ErrScriptLoad = errors.New("script load failed")

	// ErrEntryPointRaised indicates the entry point failed.
	ErrEntryPointRaised = errors.New("entry point raised")

	// ErrNotMainThread indicates the runner was called outside the host
	// main loop.
	ErrNotMainThread = errors.New("not on main thread")
)

// Stage names a step of a run.
type Stage string

// Run stages, in order.
const (
	StageDispatch Stage = "dispatch"
	StageParse    Stage = "parse"
	StageResolve  Stage = "resolve"
	StageAttach   Stage = "attach"
	StageLoad     Stage = "load"
	StageInvoke   Stage = "invoke"
)

// RunError is a failed run.
type RunError struct {
	Stage  Stage  // Step that failed
	Script string // Absolute script path, when known
	Err    error  // Underlying error
}

func (e *RunError) Error() string {
	if e.Script == "" {
		return fmt.Sprintf("run %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("run %s %s: %v", e.Stage, e.Script, e.Err)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error {
	return e.Err
}

package host

import "errors"

// Host errors.
var (
	// ErrEventNotFound indicates no custom event is registered under the name.
	ErrEventNotFound = errors.New("custom event not found")

	// ErrEventExists indicates a custom event is already registered under the name.
	ErrEventExists = errors.New("custom event already registered")

	// ErrLoopStopped is returned when posting to a loop that has stopped.
	ErrLoopStopped = errors.New("main loop stopped")

	// ErrAlreadyRunning indicates Run was called while the loop is running.
	ErrAlreadyRunning = errors.New("main loop already running")

	// ErrSearchPathEmpty is returned by Pop on an empty search path.
	ErrSearchPathEmpty = errors.New("search path is empty")
)

package script

import "errors"

// Script errors.
var (
	// ErrUnsupportedScript indicates no runtime handles the file extension.
	ErrUnsupportedScript = errors.New("unsupported script type")

	// ErrLoad indicates the script could not be loaded.
	ErrLoad = errors.New("script load failed")

	// ErrEntryPointMissing indicates the loaded script has no such entry point.
	ErrEntryPointMissing = errors.New("entry point not found")

	// ErrEntryPointFailed indicates the entry point raised an error.
	ErrEntryPointFailed = errors.New("entry point failed")

	// ErrAttach indicates the debugger could not be attached.
	ErrAttach = errors.New("debugger attach failed")
)

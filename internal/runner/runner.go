// Package runner executes run requests on the host main loop.
//
// A Runner is registered as the handler of the run custom event. For each
// event it decodes the request, extends the host search path with the
// script's directory, optionally attaches the debugger, reloads the script
// and calls its entry point. The search path is restored and the debugger
// detached on every exit path.
//
// Failures never reach the caller that fired the event. They are written to
// the failure log, which always holds the most recent one.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	rtdebug "runtime/debug"

	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/request"
	"github.com/dshills/scriptbridge/internal/script"
)

// Defaults.
const (
	DefaultEntryPoint = "run"
	DefaultDebugHost  = "localhost"
)

// Options configures a Runner.
type Options struct {
	// Runtimes selects the runtime for each script. Required.
	Runtimes *script.Registry

	// SearchPath is the host module search path. Required.
	SearchPath *host.SearchPath

	// FailureLog records failed runs. Defaults to the temp dir log.
	FailureLog *FailureLog

	// Logger is the process logger.
	Logger *logging.Logger

	// EntryPoint is the function called in the script. Defaults to "run".
	EntryPoint string

	// DebugHost is where the debugger listens. Defaults to "localhost".
	DebugHost string

	// Context bounds every run started by Notify. Cancelling it aborts the
	// run in progress, including one held at a breakpoint. Defaults to
	// context.Background().
	Context context.Context
}

// Runner implements host.CustomEventHandler.
type Runner struct {
	runtimes   *script.Registry
	search     *host.SearchPath
	failures   *FailureLog
	log        *logging.Logger
	entryPoint string
	debugHost  string
	ctx        context.Context
}

// New creates a Runner.
func New(opts Options) *Runner {
	if opts.FailureLog == nil {
		opts.FailureLog = NewFailureLog("")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	if opts.EntryPoint == "" {
		opts.EntryPoint = DefaultEntryPoint
	}
	if opts.DebugHost == "" {
		opts.DebugHost = DefaultDebugHost
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Runner{
		runtimes:   opts.Runtimes,
		search:     opts.SearchPath,
		failures:   opts.FailureLog,
		log:        opts.Logger.WithComponent("runner"),
		entryPoint: opts.EntryPoint,
		debugHost:  opts.DebugHost,
		ctx:        opts.Context,
	}
}

// FailureLog returns the runner's failure log.
func (r *Runner) FailureLog() *FailureLog {
	return r.failures
}

// Notify implements host.CustomEventHandler.
func (r *Runner) Notify(args *host.CustomEventArgs) {
	_ = r.Handle(r.ctx, args)
}

// Handle performs one run and returns its failure, if any. A failure has
// already been written to the failure log when Handle returns. A script
// that does not exist is not a failure.
func (r *Runner) Handle(ctx context.Context, args *host.CustomEventArgs) (err error) {
	var (
		stage = StageDispatch
		path  string
		stack []byte
		log   = r.log
	)

	defer func() {
		if p := recover(); p != nil {
			stack = rtdebug.Stack()
			err = &RunError{Stage: stage, Script: path, Err: fmt.Errorf("panic: %v", p)}
		}
		if err == nil {
			return
		}
		if stack == nil {
			stack = rtdebug.Stack()
		}
		log.Error("%v", err)
		if werr := r.failures.Write(err, stack); werr != nil {
			log.Error("%v", werr)
		}
	}()

	if !args.Dispatched() {
		return &RunError{Stage: stage, Err: ErrNotMainThread}
	}

	stage = StageParse
	payload := args.AdditionalInfo
	if id := request.ID(payload); id != "" {
		log = log.WithField("request_id", id)
	}
	req, err := request.Decode(payload)
	if err != nil {
		return &RunError{Stage: stage, Err: err}
	}

	stage = StageResolve
	path, err = filepath.Abs(req.ScriptPath())
	if err != nil {
		return &RunError{Stage: stage, Script: req.ScriptPath(), Err: fmt.Errorf("%w: %v", ErrScriptNotFound, err)}
	}
	if info, statErr := os.Stat(path); statErr != nil || !info.Mode().IsRegular() {
		log.Debug("skipping run: %v: %s", ErrScriptNotFound, path)
		return nil
	}
	rt, err := r.runtimes.ForPath(path)
	if err != nil {
		return &RunError{Stage: StageLoad, Script: path, Err: fmt.Errorf("%w: %w", ErrScriptLoad, err)}
	}

	restore := r.search.With(filepath.Dir(path))
	defer restore()

	stage = StageAttach
	debugger := rt.Debugger()
	if req.DetachRequested() {
		defer func() {
			if derr := debugger.Detach(); derr != nil {
				log.Debug("detach: %v", derr)
			}
		}()
	}
	at := script.Attachment{
		Endpoint: script.Endpoint{Host: r.debugHost, Port: req.Port()},
		Detach:   req.DetachRequested(),
	}
	if err := debugger.Attach(ctx, at); err != nil {
		return &RunError{Stage: stage, Script: path, Err: fmt.Errorf("%w: %w", ErrDebugAttachFailed, err)}
	}

	stage = StageLoad
	unit, err := rt.Load(path, r.search)
	if err != nil {
		return &RunError{Stage: stage, Script: path, Err: fmt.Errorf("%w: %w", ErrScriptLoad, err)}
	}
	defer unit.Close()

	stage = StageInvoke
	log.Info("running %s (%s)", path, rt.Name())
	if err := unit.Invoke(ctx, r.entryPoint, map[string]any{"isApplicationStartup": false}); err != nil {
		return &RunError{Stage: stage, Script: path, Err: classify(err)}
	}
	log.Debug("finished %s", path)
	return nil
}

// classify maps a runtime invoke error onto the runner taxonomy. Runtimes
// that defer loading or attaching to invocation report those failures here.
func classify(err error) error {
	switch {
	case errors.Is(err, script.ErrAttach):
		return fmt.Errorf("%w: %w", ErrDebugAttachFailed, err)
	case errors.Is(err, script.ErrLoad), errors.Is(err, script.ErrEntryPointMissing):
		return fmt.Errorf("%w: %w", ErrScriptLoad, err)
	default:
		return fmt.Errorf("%w: %w", ErrEntryPointRaised, err)
	}
}

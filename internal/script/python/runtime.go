// Package python runs Python scripts in a child interpreter.
//
// Each invocation starts a new interpreter, so every run imports the newest
// source. The child extends sys.path with the host search path, attaches to
// the debugger with debugpy when one was requested, and calls the entry
// point with the run arguments encoded as JSON.
package python

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/script"
)

// Options configures a Runtime.
type Options struct {
	// Interpreter is the python executable. Empty means python3, then
	// python, from PATH.
	Interpreter string

	// Logger receives the child's output.
	Logger *logging.Logger

	// Env is added to the child's environment.
	Env []string
}

// Runtime loads .py scripts.
type Runtime struct {
	interpreter string
	env         []string
	log         *logging.Logger
	debugger    *Debugger
}

// New creates a Python runtime. The interpreter is resolved on first Load.
func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	return &Runtime{
		interpreter: opts.Interpreter,
		env:         opts.Env,
		log:         opts.Logger.WithComponent("python"),
		debugger:    &Debugger{},
	}
}

// Name implements script.Runtime.
func (r *Runtime) Name() string { return "python" }

// Extensions implements script.Runtime.
func (r *Runtime) Extensions() []string { return []string{".py"} }

// Debugger implements script.Runtime.
func (r *Runtime) Debugger() script.Debugger { return r.debugger }

// FindInterpreter returns the configured interpreter or the first of
// python3 and python on PATH.
func (r *Runtime) FindInterpreter() (string, error) {
	if r.interpreter != "" {
		path, err := exec.LookPath(r.interpreter)
		if err != nil {
			return "", fmt.Errorf("%s not found: %w", r.interpreter, err)
		}
		return path, nil
	}
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("python interpreter not found in PATH")
}

// Load prepares a run of the script at path. The search path and debugger
// attachment are captured now; the import happens in Invoke.
func (r *Runtime) Load(path string, search *host.SearchPath) (script.Unit, error) {
	interp, err := r.FindInterpreter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", script.ErrLoad, err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", script.ErrLoad, err)
	}

	return &unit{
		rt:          r,
		interpreter: interp,
		module:      script.ModuleName(path),
		search:      search.Dirs(),
		debug:       r.debugger.attachment(),
	}, nil
}

// unit is one pending run of a Python module.
type unit struct {
	rt          *Runtime
	interpreter string
	module      string
	search      []string
	debug       *script.Attachment
}

// Invoke runs the module's entry point in a child interpreter and waits for
// it. Cancelling ctx kills the child.
func (u *unit) Invoke(ctx context.Context, entry string, args map[string]any) error {
	src, err := renderBootstrap(u.search, u.module, entry, args, u.debug)
	if err != nil {
		return fmt.Errorf("%w: %v", script.ErrLoad, err)
	}

	log := u.rt.log.WithField("module", u.module)
	stdout := newLineWriter(log, logging.LevelInfo)
	stderr := newLineWriter(log, logging.LevelWarn)

	cmd := exec.CommandContext(ctx, u.interpreter, "-c", src)
	cmd.Env = append(os.Environ(), u.rt.env...)
	cmd.Env = append(cmd.Env,
		"PYTHONUNBUFFERED=1",
		"PYTHONPATH="+strings.Join(u.search, string(os.PathListSeparator)),
	)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Debug("running %s.%s with %s", u.module, entry, u.interpreter)
	runErr := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if runErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", script.ErrEntryPointFailed, ctxErr)
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return fmt.Errorf("%w: %v", script.ErrLoad, runErr)
	}

	detail := stderr.Tail()
	switch exitErr.ExitCode() {
	case exitAttachFailed:
		return fmt.Errorf("%w: %s", script.ErrAttach, detail)
	case exitLoadFailed:
		return fmt.Errorf("%w: %s", script.ErrLoad, detail)
	case exitEntryMissing:
		return fmt.Errorf("%w: %s.%s", script.ErrEntryPointMissing, u.module, entry)
	default:
		return fmt.Errorf("%w: exit status %d: %s", script.ErrEntryPointFailed, exitErr.ExitCode(), detail)
	}
}

// Close implements script.Unit.
func (u *unit) Close() error { return nil }

// Debugger records the attachment the next child interpreter makes. The
// child itself connects, and stops tracing before it exits when a detach
// was requested, so Detach only forgets the attachment.
type Debugger struct {
	mu sync.Mutex
	at *script.Attachment
}

// Attach implements script.Debugger.
func (d *Debugger) Attach(_ context.Context, at script.Attachment) error {
	if port := at.Endpoint.Port; port < 1 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", script.ErrAttach, port)
	}
	d.mu.Lock()
	d.at = &at
	d.mu.Unlock()
	return nil
}

// Detach implements script.Debugger.
func (d *Debugger) Detach() error {
	d.mu.Lock()
	d.at = nil
	d.mu.Unlock()
	return nil
}

func (d *Debugger) attachment() *script.Attachment {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.at == nil {
		return nil
	}
	at := *d.at
	return &at
}

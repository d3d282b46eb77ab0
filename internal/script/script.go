// Package script defines the runtimes that load and invoke target scripts.
//
// A Runtime turns a script file into a Unit. Units are always loaded fresh:
// every Load discards whatever the runtime knew about the script before, so
// edits made since the previous run take effect without restarting the host.
package script

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/scriptbridge/internal/host"
)

// Endpoint is where an external debugger listens.
type Endpoint struct {
	Host string
	Port int
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Attachment asks a debugger to trace one run.
type Attachment struct {
	Endpoint Endpoint

	// Detach ends the session once the run returns.
	Detach bool
}

// Debugger attaches an external debugger to the code a runtime executes.
type Debugger interface {
	// Attach connects to the debugger at a.Endpoint. It returns once the
	// debugger has finished configuring the session.
	Attach(ctx context.Context, a Attachment) error

	// Detach stops tracing. Calling it when not attached is a no-op.
	Detach() error
}

// Location is a statement in a traced script.
type Location struct {
	Source string
	Line   int
}

// Variable is a local variable rendered for display.
type Variable struct {
	Name  string
	Type  string
	Value string
}

// Frame is one level of a traced script's call stack, innermost first.
type Frame struct {
	Name     string
	Location Location
	Locals   []Variable
}

// Tracer follows in-process execution line by line. Runtimes that execute
// scripts in-process report to a Tracer when their Debugger is one.
type Tracer interface {
	// Tracing reports whether a session is open. Runtimes only instrument
	// code loaded while it is true.
	Tracing() bool

	// Line is called before the statement at loc runs. It blocks while the
	// debugger holds the run stopped. stack is only called when needed.
	Line(ctx context.Context, loc Location, stack func() []Frame) error

	// Output forwards script output to the debugger console.
	Output(text string)
}

// Unit is a loaded script.
type Unit interface {
	// Invoke calls the named entry point with args.
	Invoke(ctx context.Context, entry string, args map[string]any) error

	// Close releases anything held by the unit.
	Close() error
}

// Runtime loads scripts of one language.
type Runtime interface {
	// Name identifies the runtime in logs.
	Name() string

	// Extensions lists the file extensions handled, with leading dot.
	Extensions() []string

	// Load reloads the script at path, resolving modules against search.
	// Must be called on the main loop.
	Load(path string, search *host.SearchPath) (Unit, error)

	// Debugger returns the runtime's debugger attachment.
	Debugger() Debugger
}

// Registry selects a runtime by file extension.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry creates a registry holding rts.
func NewRegistry(rts ...Runtime) *Registry {
	r := &Registry{runtimes: make(map[string]Runtime)}
	for _, rt := range rts {
		r.Register(rt)
	}
	return r
}

// Register adds rt for each of its extensions, replacing earlier runtimes.
func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range rt.Extensions() {
		r.runtimes[strings.ToLower(ext)] = rt
	}
}

// ForPath returns the runtime for path's extension.
func (r *Registry) ForPath(path string) (Runtime, error) {
	ext := strings.ToLower(filepath.Ext(path))

	r.mu.RLock()
	rt, ok := r.runtimes[ext]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScript, ext)
	}
	return rt, nil
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runtimes))
	for ext := range r.runtimes {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// ModuleName returns the module name of a script path: its base name
// without extension.
func ModuleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// NopDebugger never attaches. Runtimes use it when debugging is disabled.
type NopDebugger struct{}

// Attach does nothing.
func (NopDebugger) Attach(context.Context, Attachment) error { return nil }

// Detach does nothing.
func (NopDebugger) Detach() error { return nil }

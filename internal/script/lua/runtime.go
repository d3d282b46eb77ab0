// Package lua runs Lua scripts in-process on gopher-lua.
//
// A Runtime owns one long-lived Lua state that stands in for the host's
// scripting environment. Scripts share it across runs, the way modules
// share an interpreter, and each Load re-executes the script file so the
// newest source is what runs.
//
// When the runtime's Debugger is also a script.Tracer, scripts loaded while
// it is tracing are instrumented line by line, so breakpoints set in the
// IDE stop the run on the main loop.
//
// The state is not goroutine-safe. Every method must be called from the
// host main loop.
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/script"
)

// Options configures a Runtime.
type Options struct {
	// Logger receives script output and runtime diagnostics.
	Logger *logging.Logger

	// Debugger attaches an external debugger. Defaults to script.NopDebugger.
	// A Debugger that is also a script.Tracer is told about every line.
	Debugger script.Debugger

	// Notify shows a message to the user. Backs app.notify.
	Notify func(message string)
}

// Runtime loads .lua scripts.
type Runtime struct {
	L        *lua.LState
	log      *logging.Logger
	debugger script.Debugger
	tracer   script.Tracer
	notify   func(string)

	// search is the path of the Load in progress, read by app.search_path.
	search *host.SearchPath
}

// New creates a runtime with the full Lua standard library and the app
// module preloaded.
func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	if opts.Debugger == nil {
		opts.Debugger = script.NopDebugger{}
	}
	r := &Runtime{
		L:        lua.NewState(),
		log:      opts.Logger.WithComponent("lua"),
		debugger: opts.Debugger,
		notify:   opts.Notify,
	}
	if t, ok := opts.Debugger.(script.Tracer); ok {
		r.tracer = t
	}
	r.L.SetGlobal("print", r.L.NewFunction(r.luaPrint))
	r.L.SetGlobal(lineHook, r.L.NewFunction(r.traceLine))
	r.L.PreloadModule("app", r.appLoader)
	if loaders, ok := r.L.GetField(r.L.GetGlobal("package"), "loaders").(*lua.LTable); ok {
		loaders.RawSetInt(2, r.L.NewFunction(r.loadRequired))
	}
	return r
}

// Name implements script.Runtime.
func (r *Runtime) Name() string { return "lua" }

// Extensions implements script.Runtime.
func (r *Runtime) Extensions() []string { return []string{".lua"} }

// Debugger implements script.Runtime.
func (r *Runtime) Debugger() script.Debugger { return r.debugger }

// Close releases the Lua state.
func (r *Runtime) Close() {
	r.L.Close()
}

// Load executes the file at path as module name, replacing any earlier
// package.loaded entry, and returns the resulting unit. Modules the script
// requires resolve against search, most recently pushed directory first,
// until the unit is closed.
func (r *Runtime) Load(path string, search *host.SearchPath) (script.Unit, error) {
	name := script.ModuleName(path)
	r.search = search

	pkg := r.L.GetGlobal("package")
	prevPath := r.L.GetField(pkg, "path")
	r.setPackagePath(search)
	restorePath := func() { r.L.SetField(pkg, "path", prevPath) }

	loaded, ok := r.L.GetField(pkg, "loaded").(*lua.LTable)
	if !ok {
		restorePath()
		return nil, fmt.Errorf("%w: package.loaded is not a table", script.ErrLoad)
	}
	loaded.RawSetString(name, lua.LNil)

	fn, err := r.compile(path)
	if err != nil {
		restorePath()
		return nil, fmt.Errorf("%w: %v", script.ErrLoad, err)
	}
	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(name)); err != nil {
		restorePath()
		return nil, fmt.Errorf("%w: %v", script.ErrLoad, err)
	}
	mod := r.L.Get(-1)
	r.L.Pop(1)

	if mod == lua.LNil {
		mod = lua.LTrue
	}
	loaded.RawSetString(name, mod)

	r.log.Debug("loaded %s from %s", name, path)
	return &unit{rt: r, name: name, module: mod, restorePath: restorePath}, nil
}

// setPackagePath points require at the search path directories.
func (r *Runtime) setPackagePath(search *host.SearchPath) {
	dirs := search.Dirs()
	patterns := make([]string, 0, 2*len(dirs))
	for i := len(dirs) - 1; i >= 0; i-- {
		patterns = append(patterns,
			filepath.Join(dirs[i], "?.lua"),
			filepath.Join(dirs[i], "?", "init.lua"))
	}
	r.L.SetField(r.L.GetGlobal("package"), "path", lua.LString(strings.Join(patterns, ";")))
}

// loadRequired replaces the stock Lua file searcher of require, so that
// required modules are instrumented like the script itself.
func (r *Runtime) loadRequired(L *lua.LState) int {
	name := L.CheckString(1)
	path, msg := findModule(L, name)
	if path == "" {
		L.Push(lua.LString(msg))
		return 1
	}
	fn, err := r.compile(path)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(fn)
	return 1
}

// findModule resolves name against package.path. On failure it returns the
// places tried.
func findModule(L *lua.LState, name string) (string, string) {
	file := strings.ReplaceAll(name, ".", string(os.PathSeparator))
	var tried strings.Builder
	for _, pattern := range strings.Split(L.GetField(L.GetGlobal("package"), "path").String(), ";") {
		if pattern == "" {
			continue
		}
		candidate := strings.ReplaceAll(pattern, "?", file)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, ""
		}
		fmt.Fprintf(&tried, "\n\tno file '%s'", candidate)
	}
	return "", tried.String()
}

// luaPrint routes print to the logger.
func (r *Runtime) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	line := strings.Join(parts, "\t")
	r.log.Info("%s", line)
	if r.tracer != nil {
		r.tracer.Output(line)
	}
	return 0
}

// unit is a loaded Lua module.
type unit struct {
	rt          *Runtime
	name        string
	module      lua.LValue
	restorePath func()
}

// Invoke calls the module field entry, falling back to a global function of
// that name, with args converted to a table.
func (u *unit) Invoke(ctx context.Context, entry string, args map[string]any) error {
	L := u.rt.L

	var fn lua.LValue = lua.LNil
	if tbl, ok := u.module.(*lua.LTable); ok {
		fn = tbl.RawGetString(entry)
	}
	if fn.Type() != lua.LTFunction {
		fn = L.GetGlobal(entry)
	}
	if fn.Type() != lua.LTFunction {
		return fmt.Errorf("%w: %s.%s", script.ErrEntryPointMissing, u.name, entry)
	}

	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, ToLuaValue(L, args)); err != nil {
		return fmt.Errorf("%w: %v", script.ErrEntryPointFailed, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if ret != lua.LNil {
		u.rt.log.Debug("%s.%s returned %v", u.name, entry, ToGoValue(ret))
	}
	return nil
}

// Close restores package.path. The module stays in package.loaded until
// the next Load.
func (u *unit) Close() error {
	u.restorePath()
	return nil
}

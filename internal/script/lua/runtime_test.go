package lua

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/script"
)

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func loadAndRun(t *testing.T, r *Runtime, path string, args map[string]any) error {
	t.Helper()
	search := host.NewSearchPath()
	restore := search.With(filepath.Dir(path))
	defer restore()

	u, err := r.Load(path, search)
	if err != nil {
		return err
	}
	defer u.Close()
	return u.Invoke(context.Background(), "run", args)
}

func TestRuntime_Identity(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	assert.Equal(t, "lua", r.Name())
	assert.Equal(t, []string{".lua"}, r.Extensions())
	assert.IsType(t, script.NopDebugger{}, r.Debugger())
}

func TestRuntime_ReexecutesOnEveryLoad(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "counter.txt")
	src := fmt.Sprintf(`
local M = {}
function M.run(args)
  local n = 0
  local f = io.open(%q, "r")
  if f then
    n = tonumber(f:read("*a")) or 0
    f:close()
  end
  f = assert(io.open(%q, "w"))
  f:write(tostring(n + 1))
  f:close()
end
return M
`, counter, counter)
	path := writeScript(t, dir, "bump.lua", src)

	r := New(Options{})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	require.NoError(t, loadAndRun(t, r, path, nil))

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestRuntime_PicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "edit.lua", `
local M = {}
function M.run() result = "one" end
return M
`)
	r := New(Options{})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, "one", r.L.GetGlobal("result").String())

	writeScript(t, dir, "edit.lua", `
local M = {}
function M.run() result = "two" end
return M
`)
	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, "two", r.L.GetGlobal("result").String())
}

func TestRuntime_EntryReceivesArgs(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "args.lua", `
local M = {}
function M.run(args)
  startup = args.isApplicationStartup
end
return M
`)
	r := New(Options{})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, map[string]any{"isApplicationStartup": false}))
	assert.Equal(t, "false", r.L.GetGlobal("startup").String())
}

func TestRuntime_GlobalEntryFallback(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "global.lua", `
function run(args) ran = true end
`)
	r := New(Options{})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, "true", r.L.GetGlobal("ran").String())
}

func TestRuntime_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"syntax", "local M = {", script.ErrLoad},
		{"top level raises", `error("boom")`, script.ErrLoad},
		{"no entry", "return {}", script.ErrEntryPointMissing},
		{"entry raises", `return { run = function() error("bad part") end }`, script.ErrEntryPointFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeScript(t, dir, "broken.lua", tt.src)

			r := New(Options{})
			defer r.Close()

			err := loadAndRun(t, r, path, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRuntime_MissingFile(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	_, err := r.Load(filepath.Join(t.TempDir(), "gone.lua"), host.NewSearchPath())
	assert.ErrorIs(t, err, script.ErrLoad)
}

func TestRuntime_RequireResolvesAgainstSearchPath(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "helper.lua", `return { value = 42 }`)
	path := writeScript(t, dir, "main.lua", `
local helper = require("helper")
return { run = function() answer = helper.value end }
`)
	r := New(Options{})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, "42", r.L.GetGlobal("answer").String())
}

func TestRuntime_RequireSeesReloadedModule(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "shared.lua", `return { run = function() end, tag = "v1" }`)

	r := New(Options{})
	defer r.Close()
	require.NoError(t, loadAndRun(t, r, path, nil))

	writeScript(t, dir, "shared.lua", `return { run = function() end, tag = "v2" }`)
	require.NoError(t, loadAndRun(t, r, path, nil))

	require.NoError(t, r.L.DoString(`seen = require("shared").tag`))
	assert.Equal(t, "v2", r.L.GetGlobal("seen").String())
}

func TestRuntime_AppModule(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "host.lua", `
local app = require("app")
return {
  run = function()
    app.log("hello")
    app.log("careful", "warn")
    app.notify("part rebuilt")
    dirs = table.concat(app.search_path(), ",")
  end,
}
`)
	var notes []string
	r := New(Options{Notify: func(msg string) { notes = append(notes, msg) }})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, []string{"part rebuilt"}, notes)
	assert.Equal(t, dir, r.L.GetGlobal("dirs").String())
}

func TestRuntime_PackagePathOrder(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	r.setPackagePath(host.NewSearchPath("/a", "/b"))
	path := r.L.GetField(r.L.GetGlobal("package"), "path").String()
	assert.True(t, strings.HasPrefix(path, filepath.Join("/b", "?.lua")), path)
	assert.Contains(t, path, filepath.Join("/a", "?", "init.lua"))
}

func TestRuntime_InvokeHonoursContext(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "spin.lua", `return { run = function() while true do end end }`)

	r := New(Options{})
	defer r.Close()

	u, err := r.Load(path, host.NewSearchPath(dir))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = u.Invoke(ctx, "run", nil)
	assert.ErrorIs(t, err, script.ErrEntryPointFailed)
}

func packagePath(r *Runtime) string {
	return r.L.GetField(r.L.GetGlobal("package"), "path").String()
}

func TestRuntime_CloseRestoresPackagePath(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	before := packagePath(r)

	dir := t.TempDir()
	path := writeScript(t, dir, "noop.lua", `return { run = function() end }`)
	u, err := r.Load(path, host.NewSearchPath(dir))
	require.NoError(t, err)
	assert.Contains(t, packagePath(r), filepath.Join(dir, "?.lua"))

	require.NoError(t, u.Invoke(context.Background(), "run", nil))
	require.NoError(t, u.Close())
	assert.Equal(t, before, packagePath(r))
}

func TestRuntime_FailedLoadRestoresPackagePath(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	before := packagePath(r)

	dir := t.TempDir()
	path := writeScript(t, dir, "broken.lua", `error("boom")`)
	_, err := r.Load(path, host.NewSearchPath(dir))
	require.ErrorIs(t, err, script.ErrLoad)
	assert.Equal(t, before, packagePath(r))
}

func TestRuntime_LogsEntryResult(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf, Name: "test"})

	dir := t.TempDir()
	path := writeScript(t, dir, "result.lua", `return { run = function() return { parts = 3, name = "bracket" } end }`)

	r := New(Options{Logger: log})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Contains(t, buf.String(), "result.run returned map[name:bracket parts:3]")
}

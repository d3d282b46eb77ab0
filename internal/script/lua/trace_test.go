package lua

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/script"
)

// recordingTracer is a debugger that records the lines it is shown and the
// stack at each line in stopAt.
type recordingTracer struct {
	tracing bool
	stopAt  map[int]bool
	err     error

	lines  []script.Location
	stops  [][]script.Frame
	output []string
}

func (t *recordingTracer) Attach(context.Context, script.Attachment) error {
	t.tracing = true
	return nil
}

func (t *recordingTracer) Detach() error {
	t.tracing = false
	return nil
}

func (t *recordingTracer) Tracing() bool { return t.tracing }

func (t *recordingTracer) Line(_ context.Context, loc script.Location, stack func() []script.Frame) error {
	t.lines = append(t.lines, loc)
	if t.stopAt[loc.Line] {
		t.stops = append(t.stops, stack())
	}
	return t.err
}

func (t *recordingTracer) Output(text string) {
	t.output = append(t.output, text)
}

func (t *recordingTracer) linesIn(path string) []int {
	var out []int
	for _, loc := range t.lines {
		if loc.Source == path {
			out = append(out, loc.Line)
		}
	}
	return out
}

const summer = `local M = {}
function M.run(args)
  local total = 0
  for i = 1, 2 do
    total = total + i
  end
  print("total", total)
  return total
end
return M
`

func TestRuntime_TracesEveryLine(t *testing.T) {
	path := writeScript(t, t.TempDir(), "summer.lua", summer)
	tracer := &recordingTracer{tracing: true}
	r := New(Options{Debugger: tracer})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, []int{1, 2, 10, 3, 4, 5, 5, 7, 8}, tracer.linesIn(path))
	assert.Equal(t, []string{"total\t3"}, tracer.output)
}

func TestRuntime_StackAtStop(t *testing.T) {
	path := writeScript(t, t.TempDir(), "summer.lua", summer)
	tracer := &recordingTracer{tracing: true, stopAt: map[int]bool{7: true}}
	r := New(Options{Debugger: tracer})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, map[string]any{"isApplicationStartup": false}))
	require.Len(t, tracer.stops, 1)

	frames := tracer.stops[0]
	require.NotEmpty(t, frames)
	top := frames[0]
	assert.Equal(t, script.Location{Source: path, Line: 7}, top.Location)

	locals := map[string]script.Variable{}
	for _, v := range top.Locals {
		locals[v.Name] = v
	}
	assert.Equal(t, "3", locals["total"].Value)
	assert.Equal(t, "number", locals["total"].Type)
	assert.Equal(t, "table", locals["args"].Type)
	assert.Contains(t, locals["args"].Value, "isApplicationStartup:false")
	assert.NotContains(t, locals, "i", "loop variable is out of scope")
}

func TestRuntime_NotInstrumentedWithoutSession(t *testing.T) {
	path := writeScript(t, t.TempDir(), "summer.lua", summer)
	tracer := &recordingTracer{}
	r := New(Options{Debugger: tracer})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Empty(t, tracer.lines)
	assert.Empty(t, tracer.output)
}

func TestRuntime_TracesRequiredModules(t *testing.T) {
	dir := t.TempDir()
	helper := writeScript(t, dir, "helper.lua", "local H = {}\nfunction H.double(n)\n  return n * 2\nend\nreturn H\n")
	path := writeScript(t, dir, "main.lua", `local helper = require("helper")
return { run = function() doubled = helper.double(21) end }
`)
	tracer := &recordingTracer{tracing: true}
	r := New(Options{Debugger: tracer})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, "42", r.L.GetGlobal("doubled").String())
	assert.Equal(t, []int{1, 2, 5, 3}, tracer.linesIn(filepath.Clean(helper)))
}

func TestRuntime_TracerErrorFailsRun(t *testing.T) {
	path := writeScript(t, t.TempDir(), "summer.lua", summer)
	tracer := &recordingTracer{tracing: true}
	r := New(Options{Debugger: tracer})
	defer r.Close()

	u, err := r.Load(path, host.NewSearchPath(filepath.Dir(path)))
	require.NoError(t, err)
	defer u.Close()

	tracer.err = errors.New("run cancelled while stopped")
	err = u.Invoke(context.Background(), "run", nil)
	assert.ErrorIs(t, err, script.ErrEntryPointFailed)
	assert.Contains(t, err.Error(), "run cancelled while stopped")
}

func TestRuntime_ShebangKeepsLineNumbers(t *testing.T) {
	path := writeScript(t, t.TempDir(), "tool.lua", "#!/usr/bin/env lua\nreturn { run = function()\n  ran = true\nend }\n")
	tracer := &recordingTracer{tracing: true}
	r := New(Options{Debugger: tracer})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, []int{2, 3}, tracer.linesIn(path))
	assert.Equal(t, "true", r.L.GetGlobal("ran").String())
}

func TestInstrumentBlock_SkipsLabels(t *testing.T) {
	path := writeScript(t, t.TempDir(), "labels.lua", `return { run = function()
  local n = 0
  ::again::
  n = n + 1
  if n < 3 then goto again end
  count = n
end }
`)
	tracer := &recordingTracer{tracing: true}
	r := New(Options{Debugger: tracer})
	defer r.Close()

	require.NoError(t, loadAndRun(t, r, path, nil))
	assert.Equal(t, "3", r.L.GetGlobal("count").String())
	lines := tracer.linesIn(path)
	assert.NotContains(t, lines, 3)

	increments := 0
	for _, l := range lines {
		if l == 4 {
			increments++
		}
	}
	assert.Equal(t, 3, increments)
}

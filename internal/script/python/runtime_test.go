package python

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/scriptbridge/internal/host"
	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/script"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func run(t *testing.T, r *Runtime, path string) error {
	t.Helper()
	search := host.NewSearchPath()
	restore := search.With(filepath.Dir(path))
	defer restore()

	u, err := r.Load(path, search)
	if err != nil {
		return err
	}
	defer u.Close()
	return u.Invoke(context.Background(), "run", map[string]any{"isApplicationStartup": false})
}

func TestRenderBootstrap(t *testing.T) {
	src, err := renderBootstrap([]string{`/work/it's here`}, "part", "run",
		map[string]any{"isApplicationStartup": false}, nil)
	require.NoError(t, err)

	assert.Contains(t, src, `sys.path.append("/work/it's here")`)
	assert.Contains(t, src, `importlib.import_module("part")`)
	assert.Contains(t, src, `getattr(module, "run", None)`)
	assert.Contains(t, src, `json.loads("{\"isApplicationStartup\":false}")`)
	assert.NotContains(t, src, "debugpy")
}

func TestRenderBootstrap_WithDebugger(t *testing.T) {
	ep := script.Endpoint{Host: "localhost", Port: 5678}

	t.Run("detach", func(t *testing.T) {
		src, err := renderBootstrap(nil, "part", "run", nil, &script.Attachment{Endpoint: ep, Detach: true})
		require.NoError(t, err)

		assert.Contains(t, src, `debugpy.connect(("localhost", 5678))`)
		assert.Contains(t, src, fmt.Sprintf("sys.exit(%d)", exitAttachFailed))
		assert.Contains(t, src, "finally:")
		assert.Contains(t, src, "pydevd.stoptrace()")
		assert.Contains(t, src, `json.loads("{}")`)
	})

	t.Run("stay attached", func(t *testing.T) {
		src, err := renderBootstrap(nil, "part", "run", nil, &script.Attachment{Endpoint: ep})
		require.NoError(t, err)

		assert.Contains(t, src, `debugpy.connect(("localhost", 5678))`)
		assert.NotContains(t, src, "finally:")
		assert.NotContains(t, src, "stoptrace")
		assert.True(t, strings.HasSuffix(src, "\nentry(args)\n"), src)
	})
}

func TestDebugger_RecordsAttachment(t *testing.T) {
	var d Debugger
	assert.Nil(t, d.attachment())

	require.NoError(t, d.Attach(context.Background(), script.Attachment{
		Endpoint: script.Endpoint{Host: "localhost", Port: 5678},
		Detach:   true,
	}))
	at := d.attachment()
	require.NotNil(t, at)
	assert.Equal(t, 5678, at.Endpoint.Port)
	assert.True(t, at.Detach)

	require.NoError(t, d.Detach())
	assert.Nil(t, d.attachment())
	require.NoError(t, d.Detach())

	err := d.Attach(context.Background(), script.Attachment{Endpoint: script.Endpoint{Host: "localhost", Port: 0}})
	assert.ErrorIs(t, err, script.ErrAttach)
}

func TestRuntime_UnitCarriesDetach(t *testing.T) {
	requirePython(t)
	r := New(Options{})
	require.NoError(t, r.Debugger().Attach(context.Background(), script.Attachment{
		Endpoint: script.Endpoint{Host: "127.0.0.1", Port: 5678},
	}))
	defer r.Debugger().Detach()

	path := writeScript(t, t.TempDir(), "part.py", "def run(args): pass\n")
	u, err := r.Load(path, host.NewSearchPath(filepath.Dir(path)))
	require.NoError(t, err)
	defer u.Close()

	pu, ok := u.(*unit)
	require.True(t, ok)
	require.NotNil(t, pu.debug)
	assert.False(t, pu.debug.Detach)
}

func TestLineWriter(t *testing.T) {
	w := newLineWriter(logging.Null(), logging.LevelWarn)
	_, _ = w.Write([]byte("one\ntw"))
	_, _ = w.Write([]byte("o\r\nthree"))
	w.Flush()
	assert.Equal(t, "one\ntwo\nthree", w.Tail())

	for i := 0; i < tailLines+5; i++ {
		_, _ = fmt.Fprintf(w, "line %d\n", i)
	}
	assert.Equal(t, fmt.Sprintf("line %d", tailLines+4), w.tail[len(w.tail)-1])
	assert.Len(t, w.tail, tailLines)
}

func TestRuntime_Identity(t *testing.T) {
	r := New(Options{})
	assert.Equal(t, "python", r.Name())
	assert.Equal(t, []string{".py"}, r.Extensions())
	assert.IsType(t, &Debugger{}, r.Debugger())
}

func TestRuntime_UnknownInterpreter(t *testing.T) {
	r := New(Options{Interpreter: "definitely-not-a-python-binary"})
	path := writeScript(t, t.TempDir(), "part.py", "def run(args): pass\n")
	_, err := r.Load(path, host.NewSearchPath())
	assert.ErrorIs(t, err, script.ErrLoad)
}

func TestRuntime_ReexecutesEveryRun(t *testing.T) {
	requirePython(t)
	dir := t.TempDir()
	counter := filepath.Join(dir, "counter.txt")
	path := writeScript(t, dir, "bump.py", fmt.Sprintf(`
import os

def run(args):
    assert args["isApplicationStartup"] is False
    n = 0
    if os.path.exists(%q):
        with open(%q) as f:
            n = int(f.read() or 0)
    with open(%q, "w") as f:
        f.write(str(n + 1))
`, counter, counter, counter))

	r := New(Options{})
	require.NoError(t, run(t, r, path))
	require.NoError(t, run(t, r, path))

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestRuntime_ImportsSiblings(t *testing.T) {
	requirePython(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	writeScript(t, dir, "helper.py", "VALUE = 42\n")
	path := writeScript(t, dir, "main.py", fmt.Sprintf(`
import helper

def run(args):
    with open(%q, "w") as f:
        f.write(str(helper.VALUE))
`, out))

	require.NoError(t, run(t, New(Options{}), path))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))
}

func TestRuntime_Errors(t *testing.T) {
	requirePython(t)
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"syntax", "def run(args)\n", script.ErrLoad},
		{"import raises", "raise RuntimeError('boom')\n", script.ErrLoad},
		{"no entry", "X = 1\n", script.ErrEntryPointMissing},
		{"entry raises", "def run(args):\n    raise ValueError('bad part')\n", script.ErrEntryPointFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, t.TempDir(), "broken.py", tt.src)
			err := run(t, New(Options{}), path)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRuntime_EntryErrorCarriesTraceback(t *testing.T) {
	requirePython(t)
	path := writeScript(t, t.TempDir(), "broken.py", "def run(args):\n    raise ValueError('bad part')\n")
	err := run(t, New(Options{}), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ValueError: bad part")
}

func TestRuntime_AttachFailure(t *testing.T) {
	requirePython(t)
	if exec.Command("python3", "-c", "import debugpy").Run() != nil {
		t.Skip("debugpy not installed")
	}

	// Reserve a port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	r := New(Options{})
	require.NoError(t, r.Debugger().Attach(context.Background(), script.Attachment{
		Endpoint: script.Endpoint{Host: "127.0.0.1", Port: port},
		Detach:   true,
	}))
	defer r.Debugger().Detach()

	path := writeScript(t, t.TempDir(), "part.py", "def run(args): pass\n")
	err = run(t, r, path)
	assert.ErrorIs(t, err, script.ErrAttach)
}

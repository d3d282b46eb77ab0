package python

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/dshills/scriptbridge/internal/script"
)

// Exit codes the bootstrap uses to report which stage failed. An exception
// raised by the entry point exits with 1, Python's own default.
const (
	exitEntryRaised  = 1
	exitAttachFailed = 3
	exitLoadFailed   = 4
	exitEntryMissing = 5
)

// bootstrapData fills bootstrapTemplate.
type bootstrapData struct {
	SearchPath []string
	Module     string
	Entry      string
	Args       string
	Debug      *script.Endpoint
	Detach     bool

	ExitAttachFailed int
	ExitLoadFailed   int
	ExitEntryMissing int
}

// quote renders s as a Python string literal. JSON string syntax is a
// subset of Python's.
func quote(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var bootstrapTemplate = template.Must(template.New("bootstrap").
	Funcs(template.FuncMap{"quote": quote}).
	Parse(`import importlib
import json
import sys
import traceback

{{range .SearchPath}}sys.path.append({{quote .}})
{{end}}
args = json.loads({{quote .Args}})
{{if .Debug}}
try:
    import debugpy
    debugpy.connect(({{quote .Debug.Host}}, {{.Debug.Port}}))
except Exception:
    traceback.print_exc()
    sys.exit({{.ExitAttachFailed}})
{{end}}
try:
    module = importlib.import_module({{quote .Module}})
    module = importlib.reload(module)
except Exception:
    traceback.print_exc()
    sys.exit({{.ExitLoadFailed}})

entry = getattr(module, {{quote .Entry}}, None)
if not callable(entry):
    sys.stderr.write("module %s has no callable %s\n" % ({{quote .Module}}, {{quote .Entry}}))
    sys.exit({{.ExitEntryMissing}})

{{if and .Debug .Detach -}}
try:
    entry(args)
finally:
    try:
        import pydevd
        pydevd.stoptrace()
    except Exception:
        pass
{{- else -}}
entry(args)
{{- end}}
`))

// renderBootstrap produces the program that imports module and calls its
// entry point with args. With a debug attachment the program connects
// first, and stops tracing after the entry point when a detach is asked.
func renderBootstrap(search []string, module, entry string, args map[string]any, debug *script.Attachment) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}

	data := bootstrapData{
		SearchPath:       search,
		Module:           module,
		Entry:            entry,
		Args:             string(encoded),
		ExitAttachFailed: exitAttachFailed,
		ExitLoadFailed:   exitLoadFailed,
		ExitEntryMissing: exitEntryMissing,
	}
	if debug != nil {
		data.Debug = &debug.Endpoint
		data.Detach = debug.Detach
	}

	var buf bytes.Buffer
	if err := bootstrapTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render bootstrap: %w", err)
	}
	return buf.String(), nil
}

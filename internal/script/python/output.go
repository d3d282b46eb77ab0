package python

import (
	"bytes"
	"strings"
	"sync"

	"github.com/dshills/scriptbridge/internal/logging"
)

// tailLines is how many trailing lines of stderr an error carries.
const tailLines = 20

// lineWriter logs child output one line at a time and keeps the last
// tailLines lines.
type lineWriter struct {
	mu   sync.Mutex
	emit func(string)
	buf  bytes.Buffer
	tail []string
}

func newLineWriter(log *logging.Logger, level logging.Level) *lineWriter {
	emit := func(line string) { log.Info("%s", line) }
	if level >= logging.LevelWarn {
		emit = func(line string) { log.Warn("%s", line) }
	}
	return &lineWriter{emit: emit}
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.line(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any unterminated final line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.line(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) line(s string) {
	w.emit(s)
	w.tail = append(w.tail, s)
	if len(w.tail) > tailLines {
		w.tail = w.tail[len(w.tail)-tailLines:]
	}
}

// Tail returns the retained lines joined by newlines.
func (w *lineWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}

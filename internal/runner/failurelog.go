package runner

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultFailureLogName is the file name of the failure log in the temp dir.
const DefaultFailureLogName = "scriptbridge_run_log.txt"

// DefaultFailureLogPath returns the failure log path in the OS temp dir.
func DefaultFailureLogPath() string {
	return filepath.Join(os.TempDir(), DefaultFailureLogName)
}

// FailureLog holds the details of the most recent failed run. Each write
// replaces the previous contents.
type FailureLog struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFailureLog creates a failure log at path, or at the default path when
// path is empty. Nothing is written until the first failure.
func NewFailureLog(path string) *FailureLog {
	if path == "" {
		path = DefaultFailureLogPath()
	}
	return &FailureLog{path: path, now: time.Now}
}

// Path returns the log file path.
func (f *FailureLog) Path() string {
	return f.path
}

// Write truncates the log and records err and stack.
func (f *FailureLog) Write(err error, stack []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n\n%v\n", f.now().Format(time.RFC3339), err)
	if len(stack) > 0 {
		buf.WriteString("\n")
		buf.Write(stack)
	}

	if werr := os.WriteFile(f.path, buf.Bytes(), 0o600); werr != nil {
		return fmt.Errorf("write failure log %s: %w", f.path, werr)
	}
	return nil
}

// Read returns the current log contents. A missing log reads as empty.
func (f *FailureLog) Read() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read failure log %s: %w", f.path, err)
	}
	return string(data), nil
}

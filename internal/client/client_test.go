package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/scriptbridge/internal/request"
)

type recordingServer struct {
	mu     sync.Mutex
	bodies []string
	status int
	reply  string
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	status, reply := s.status, s.reply
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
		reply = "done"
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

func (s *recordingServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{Address: strings.TrimPrefix(srv.URL, "http://"), Debounce: 50 * time.Millisecond})
}

func TestClient_URL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8181/", New(Options{}).URL())
	assert.Equal(t, "http://localhost:9000/", New(Options{Address: "localhost:9000"}).URL())
	assert.Equal(t, "http://localhost:9000/", New(Options{Address: "http://localhost:9000/"}).URL())
}

func TestClient_Trigger(t *testing.T) {
	srv := &recordingServer{}
	c := newClient(t, srv)

	require.NoError(t, c.Trigger(context.Background(), request.New("/tmp/part.py", true, 5678)))
	require.Equal(t, 1, srv.count())

	req, err := request.Parse([]byte(srv.bodies[0]))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/part.py", req.ScriptPath())
	assert.True(t, req.DetachRequested())
	assert.Equal(t, 5678, req.Port())
}

func TestClient_TriggerStatusError(t *testing.T) {
	srv := &recordingServer{status: http.StatusInternalServerError, reply: "malformed request: field script: required\n"}
	c := newClient(t, srv)

	err := c.Trigger(context.Background(), request.New("/tmp/part.py", false, 5678))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Contains(t, statusErr.Error(), "field script")
}

func TestClient_TriggerRejectsInvalidRequest(t *testing.T) {
	srv := &recordingServer{}
	c := newClient(t, srv)

	err := c.Trigger(context.Background(), request.RunRequest{})
	assert.ErrorIs(t, err, request.ErrMalformed)
	assert.Zero(t, srv.count())
}

func TestClient_TriggerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	err := New(Options{Address: addr}).Trigger(context.Background(), request.New("/tmp/a.py", false, 1))
	assert.Error(t, err)
}

func TestStatusError_EmptyBody(t *testing.T) {
	err := &StatusError{Code: http.StatusNotImplemented}
	assert.Equal(t, "listener answered 501 Not Implemented", err.Error())
}

func TestClient_WatchDebounces(t *testing.T) {
	srv := &recordingServer{}
	c := newClient(t, srv)

	dir := t.TempDir()
	script := filepath.Join(dir, "part.py")
	other := filepath.Join(dir, "other.py")
	require.NoError(t, os.WriteFile(script, []byte("v0"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggered := make(chan error, 10)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- c.Watch(ctx, request.New(script, true, 5678), func(err error) { triggered <- err })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(script, []byte("burst"), 0o644))
	}
	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o644))

	select {
	case err := <-triggered:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no trigger after write")
	}

	// Nothing else arrives for the burst.
	select {
	case <-triggered:
		t.Fatal("burst triggered more than once")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, srv.count())

	require.NoError(t, os.WriteFile(script, []byte("v2"), 0o644))
	select {
	case <-triggered:
	case <-time.After(5 * time.Second):
		t.Fatal("no trigger after second write")
	}

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}
}

func TestClient_WatchMissingDirectory(t *testing.T) {
	c := New(Options{})
	err := c.Watch(context.Background(), request.New(filepath.Join(t.TempDir(), "nope", "part.py"), false, 1), nil)
	assert.Error(t, err)
}

// Package listener accepts run requests over loopback HTTP and forwards them
// to the host main loop as custom events.
//
// The listener never touches application state. It checks the request
// shape, stamps a request id into the payload, fires the event and answers.
// A 200 acknowledges that the run was queued, not that it succeeded.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/request"
)

// Defaults.
const (
	DefaultAddress = "127.0.0.1:8181"
	MaxBodySize    = 1 << 20
)

// Listener errors.
var (
	ErrNotLoopback    = errors.New("listener address is not loopback")
	ErrAlreadyStarted = errors.New("listener already started")
	ErrNotStarted     = errors.New("listener not started")
)

// Dispatcher queues a custom event on the host main loop.
type Dispatcher interface {
	FireCustomEvent(name, additionalInfo string) error
}

// Options configures a Listener.
type Options struct {
	// Address is host:port. Defaults to DefaultAddress.
	Address string

	// EventName is the custom event fired per request. Required.
	EventName string

	// Dispatcher receives the events. Required.
	Dispatcher Dispatcher

	// Logger is the process logger.
	Logger *logging.Logger

	// NewID generates request ids. Defaults to random UUIDs.
	NewID func() string
}

// Listener is the HTTP side of the bridge.
type Listener struct {
	address  string
	event    string
	dispatch Dispatcher
	log      *logging.Logger
	newID    func() string

	// serve serialises request handling.
	serve sync.Mutex

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	done    chan struct{}
	serveEr error
}

// New creates a listener. The address must be a loopback address.
func New(opts Options) (*Listener, error) {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if err := CheckLoopback(opts.Address); err != nil {
		return nil, err
	}
	if opts.EventName == "" {
		return nil, errors.New("listener: event name is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("listener: dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Listener{
		address:  opts.Address,
		event:    opts.EventName,
		dispatch: opts.Dispatcher,
		log:      opts.Logger.WithComponent("listener"),
		newID:    opts.NewID,
	}, nil
}

// CheckLoopback returns ErrNotLoopback unless address names localhost or a
// loopback IP.
func CheckLoopback(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("listener address %q: %w", address, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrNotLoopback, address)
}

// Start binds the address and serves on a background goroutine.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.srv != nil {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.address, err)
	}

	srv := &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(l.log.Writer(logging.LevelWarn), "", 0),
	}
	done := make(chan struct{})
	l.srv, l.ln, l.done = srv, ln, done

	go func() {
		defer close(done)
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		l.mu.Lock()
		l.serveEr = err
		l.mu.Unlock()
		if err != nil {
			l.log.Error("serve: %v", err)
		}
	}()

	l.log.Info("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.address
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	srv, done := l.srv, l.done
	l.srv, l.ln, l.done = nil, nil, nil
	l.mu.Unlock()

	if srv == nil {
		return ErrNotStarted
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown listener: %w", err)
	}
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serveEr
}

// ServeHTTP handles one request. Requests are handled one at a time.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.serve.Lock()
	defer l.serve.Unlock()

	defer func() {
		if rv := recover(); rv != nil {
			l.log.Error("handler panic: %v\n%s", rv, debug.Stack())
			http.Error(w, fmt.Sprintf("%v", rv), http.StatusInternalServerError)
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, fmt.Sprintf("Unsupported method (%q)", r.Method), http.StatusNotImplemented)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		l.fail(w, l.log, fmt.Errorf("read body: %w", err))
		return
	}

	req, err := request.Parse(body)
	if err != nil {
		l.fail(w, l.log, err)
		return
	}

	id := l.newID()
	log := l.log.WithField("request_id", id)

	payload, err := request.Stamp(body, id)
	if err != nil {
		l.fail(w, log, err)
		return
	}
	if err := l.dispatch.FireCustomEvent(l.event, string(payload)); err != nil {
		l.fail(w, log, fmt.Errorf("dispatch: %w", err))
		return
	}

	log.Info("queued %s", req.ScriptPath())
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "done")
}

func (l *Listener) fail(w http.ResponseWriter, log *logging.Logger, err error) {
	log.Warn("rejected: %v", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

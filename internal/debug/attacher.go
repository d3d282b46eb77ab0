// Package debug makes in-process script runs debuggable from an IDE over
// the Debug Adapter Protocol.
//
// The IDE listens; Attach dials it and serves the adapter side of the
// protocol on that connection. The runtime reports every statement it is
// about to execute through Line, which holds the run stopped at
// breakpoints and steps until the IDE resumes it. There is a single
// thread, the host main loop, reported to the IDE as thread 1.
package debug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/scriptbridge/internal/debug/dap"
	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/script"
)

// DefaultTimeout bounds dialing and the configuration handshake.
const DefaultTimeout = 5 * time.Second

// Options configures an Attacher.
type Options struct {
	// Name is reported as the thread and adapter name.
	Name string

	// Timeout bounds dialing plus the handshake. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger receives session diagnostics.
	Logger *logging.Logger

	// Dial opens the transport. Defaults to dap.DialSocket.
	Dial func(ctx context.Context, address string) (dap.Transport, error)
}

// Attacher implements script.Debugger and script.Tracer for runtimes that
// execute scripts in-process. One session is held at a time; without a
// detach it stays open across runs, breakpoints included.
type Attacher struct {
	name    string
	timeout time.Duration
	log     *logging.Logger
	dial    func(ctx context.Context, address string) (dap.Transport, error)

	mu   sync.Mutex
	sess *session
}

// NewAttacher creates an Attacher.
func NewAttacher(opts Options) *Attacher {
	if opts.Name == "" {
		opts.Name = "scriptbridge"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, address string) (dap.Transport, error) {
			return dap.DialSocket(ctx, address)
		}
	}
	return &Attacher{
		name:    opts.Name,
		timeout: opts.Timeout,
		log:     opts.Logger.WithComponent("dap"),
		dial:    opts.Dial,
	}
}

// Attach connects to the IDE listening at at.Endpoint and serves the session
// until the IDE sends configurationDone, so its breakpoints are installed
// when Attach returns. An open session to the same endpoint is reused; one
// to another endpoint is closed first.
func (a *Attacher) Attach(ctx context.Context, at script.Attachment) error {
	addr := at.Endpoint.Address()

	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.sess; s != nil {
		if s.addr == addr && s.alive() {
			a.log.Debug("reusing session with %s", addr)
			return nil
		}
		s.close(false)
		a.sess = nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	transport, err := a.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", script.ErrAttach, err)
	}

	s := newSession(a.name, addr, dap.NewSession(transport), a.log)
	go s.serve()

	select {
	case <-s.configured:
	case <-s.conn.Done():
		s.close(false)
		err := s.conn.Err()
		if err == nil {
			err = errors.New("connection closed during handshake")
		}
		return fmt.Errorf("%w: %s: %w", script.ErrAttach, addr, err)
	case <-ctx.Done():
		s.close(false)
		return fmt.Errorf("%w: %s: waiting for configurationDone: %w", script.ErrAttach, addr, ctx.Err())
	}

	a.sess = s
	a.log.Debug("attached to %s", addr)
	return nil
}

// Detach tells the IDE the session is over and closes it. A run stopped at
// a breakpoint resumes. It is a no-op when not attached.
func (a *Attacher) Detach() error {
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()

	if s == nil {
		return nil
	}
	a.log.Debug("detached from %s", s.addr)
	return s.close(true)
}

// Tracing implements script.Tracer. It reports whether a session is open.
func (a *Attacher) Tracing() bool {
	return a.current() != nil
}

// Line implements script.Tracer.
func (a *Attacher) Line(ctx context.Context, loc script.Location, stack func() []script.Frame) error {
	s := a.current()
	if s == nil {
		return nil
	}
	return s.line(ctx, loc, stack)
}

// Output implements script.Tracer.
func (a *Attacher) Output(text string) {
	if s := a.current(); s != nil {
		s.output(text)
	}
}

// current returns the open session. A session the IDE has hung up is
// dropped.
func (a *Attacher) current() *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil && !a.sess.alive() {
		a.log.Debug("session with %s ended", a.sess.addr)
		a.sess = nil
	}
	return a.sess
}

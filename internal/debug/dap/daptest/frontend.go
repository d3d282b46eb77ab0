// Package daptest provides a scripted debugger front end for tests.
//
// A Frontend listens the way an IDE waiting for a debuggee does. Each
// connection gets the usual handshake: initialize, attach, the configured
// breakpoints, then configurationDone. Every stop is inspected and resumed
// according to the Config, and the results are recorded.
package daptest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	godap "github.com/google/go-dap"

	"github.com/dshills/scriptbridge/internal/debug/dap"
)

// requestTimeout bounds each request the front end sends.
const requestTimeout = 5 * time.Second

// Config scripts the front end.
type Config struct {
	// Breakpoints maps a source path to the lines to break on.
	Breakpoints map[string][]int

	// Resume is the command answering each stop in turn: continue, next,
	// stepIn or stepOut. Stops beyond the list are continued.
	Resume []string

	// SkipConfigurationDone leaves the handshake unfinished.
	SkipConfigurationDone bool

	// HangUp closes each connection as soon as it is accepted.
	HangUp bool

	// DisconnectOnStop sends disconnect instead of resuming the first stop.
	DisconnectOnStop bool
}

// Stop is one stopped event and what the front end saw while stopped.
type Stop struct {
	Reason         string
	HitBreakpoints []int
	Frames         []godap.StackFrame

	// Locals holds the innermost frame's variables by name.
	Locals map[string]string
}

// Frontend is a debugger front end listening on a loopback port.
type Frontend struct {
	cfg Config
	ln  net.Listener

	mu          sync.Mutex
	resumed     int
	connections int
	caps        []godap.Capabilities
	breakpoints []godap.Breakpoint
	stops       []Stop
	output      []string
	terminated  int
	errs        []error
}

// NewFrontend starts a front end that stops when the test ends.
func NewFrontend(t testing.TB, cfg Config) *Frontend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &Frontend{cfg: cfg, ln: ln}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

// Port is the port the front end listens on.
func (f *Frontend) Port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

// Addr is the front end address.
func (f *Frontend) Addr() string {
	return f.ln.Addr().String()
}

// Connections returns how many debuggees have connected.
func (f *Frontend) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connections
}

// Capabilities returns the capabilities each debuggee reported.
func (f *Frontend) Capabilities() []godap.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]godap.Capabilities(nil), f.caps...)
}

// Breakpoints returns the breakpoints the debuggees confirmed.
func (f *Frontend) Breakpoints() []godap.Breakpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]godap.Breakpoint(nil), f.breakpoints...)
}

// Stops returns the stops seen so far.
func (f *Frontend) Stops() []Stop {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Stop(nil), f.stops...)
}

// Output returns the output events received.
func (f *Frontend) Output() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.output...)
}

// Terminated returns how many terminated events were received.
func (f *Frontend) Terminated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// Errors returns request failures seen by the front end.
func (f *Frontend) Errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

func (f *Frontend) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.connections++
		f.mu.Unlock()
		if f.cfg.HangUp {
			_ = conn.Close()
			continue
		}
		go f.handle(conn)
	}
}

func (f *Frontend) handle(conn net.Conn) {
	initialized := make(chan struct{}, 1)
	stopped := make(chan godap.StoppedEventBody, 16)

	c := newClient(dap.NewRawTransport(conn), func(evt godap.EventMessage) {
		switch e := evt.(type) {
		case *godap.InitializedEvent:
			select {
			case initialized <- struct{}{}:
			default:
			}
		case *godap.StoppedEvent:
			stopped <- e.Body
		case *godap.OutputEvent:
			f.mu.Lock()
			f.output = append(f.output, e.Body.Output)
			f.mu.Unlock()
		case *godap.TerminatedEvent:
			f.mu.Lock()
			f.terminated++
			f.mu.Unlock()
		}
	})
	defer c.Close()

	if err := f.handshake(c, initialized); err != nil {
		f.fail(err)
		return
	}

	for {
		select {
		case body := <-stopped:
			if err := f.inspect(c, body); err != nil {
				f.fail(err)
				return
			}
			if f.cfg.DisconnectOnStop {
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				err := c.disconnect(ctx)
				cancel()
				if err != nil {
					f.fail(err)
				}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			err := c.resume(ctx, f.nextResume(), body.ThreadId)
			cancel()
			if err != nil {
				f.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (f *Frontend) handshake(c *client, initialized <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	caps, err := c.initialize(ctx, "daptest")
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.caps = append(f.caps, *caps)
	f.mu.Unlock()

	if err := c.attach(ctx, map[string]any{"request": "attach", "name": "daptest"}); err != nil {
		return err
	}
	select {
	case <-initialized:
	case <-ctx.Done():
		return ctx.Err()
	}

	for path, lines := range f.cfg.Breakpoints {
		bps, err := c.setBreakpoints(ctx, path, lines)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.breakpoints = append(f.breakpoints, bps...)
		f.mu.Unlock()
	}

	if f.cfg.SkipConfigurationDone {
		return nil
	}
	return c.configurationDone(ctx)
}

// inspect records a stop with the stack and the innermost frame's locals.
func (f *Frontend) inspect(c *client, body godap.StoppedEventBody) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stop := Stop{
		Reason:         body.Reason,
		HitBreakpoints: body.HitBreakpointIds,
		Locals:         map[string]string{},
	}
	frames, err := c.stackTrace(ctx, body.ThreadId)
	if err != nil {
		return err
	}
	stop.Frames = frames

	if len(frames) > 0 {
		scopes, err := c.scopes(ctx, frames[0].Id)
		if err != nil {
			return err
		}
		if len(scopes) > 0 {
			vars, err := c.variables(ctx, scopes[0].VariablesReference)
			if err != nil {
				return err
			}
			for _, v := range vars {
				stop.Locals[v.Name] = v.Value
			}
		}
	}

	f.mu.Lock()
	f.stops = append(f.stops, stop)
	f.mu.Unlock()
	return nil
}

func (f *Frontend) nextResume() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := "continue"
	if f.resumed < len(f.cfg.Resume) {
		cmd = f.cfg.Resume[f.resumed]
	}
	f.resumed++
	return cmd
}

func (f *Frontend) fail(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

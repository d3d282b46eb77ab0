package debug

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	godap "github.com/google/go-dap"

	"github.com/dshills/scriptbridge/internal/debug/dap"
	"github.com/dshills/scriptbridge/internal/logging"
	"github.com/dshills/scriptbridge/internal/script"
)

// threadID is the id of the only thread, the host main loop.
const threadID = 1

// stepMode is what the next Line call stops for, besides breakpoints.
type stepMode int

const (
	stepNone stepMode = iota
	stepIn            // any line
	stepOver          // a line at or above the stopped depth
	stepOut           // a line above the stopped depth
)

// session is one IDE connection. Requests are served on their own
// goroutine while Line runs on the main loop; the stop snapshot is the only
// state they share.
type session struct {
	name string
	addr string
	conn *dap.Session
	log  *logging.Logger

	configured chan struct{}
	configOnce sync.Once
	resume     chan stepMode

	mu          sync.Mutex
	breakpoints map[string]map[int]int
	nextID      int
	step        stepMode
	depth       int
	pausing     bool

	// frames is the stack of the stopped run, nil while running.
	frames []script.Frame
}

func newSession(name, addr string, conn *dap.Session, log *logging.Logger) *session {
	return &session{
		name:        name,
		addr:        addr,
		conn:        conn,
		log:         log.WithField("ide", addr),
		configured:  make(chan struct{}),
		resume:      make(chan stepMode, 1),
		breakpoints: make(map[string]map[int]int),
	}
}

func (s *session) serve() {
	if err := s.conn.Serve(s.handle); err != nil {
		s.log.Debug("session ended: %v", err)
	}
}

func (s *session) alive() bool {
	select {
	case <-s.conn.Done():
		return false
	default:
		return true
	}
}

// close ends the session, announcing it first when terminated is set.
func (s *session) close(terminated bool) error {
	var err error
	if terminated {
		err = s.conn.Event("terminated", &godap.TerminatedEvent{})
		if errors.Is(err, dap.ErrSessionClosed) {
			err = nil
		}
	}
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}

func (s *session) output(text string) {
	_ = s.conn.Event("output", &godap.OutputEvent{
		Body: godap.OutputEventBody{Category: "stdout", Output: text + "\n"},
	})
}

// line stops the run at loc when a breakpoint or a pending step says so,
// and blocks until the IDE resumes it or goes away.
func (s *session) line(ctx context.Context, loc script.Location, stack func() []script.Frame) error {
	s.mu.Lock()
	id, hit := s.breakpoints[filepath.Clean(loc.Source)][loc.Line]
	step, depth, pausing := s.step, s.depth, s.pausing
	s.mu.Unlock()

	var frames []script.Frame
	reason := ""
	switch {
	case hit:
		reason = "breakpoint"
	case pausing:
		reason = "pause"
	case step == stepIn:
		reason = "step"
	case step == stepOver:
		if frames = stack(); len(frames) <= depth {
			reason = "step"
		}
	case step == stepOut:
		if frames = stack(); len(frames) < depth {
			reason = "step"
		}
	}
	if reason == "" {
		return nil
	}
	if frames == nil {
		frames = stack()
	}

	select {
	case <-s.resume:
	default:
	}
	s.mu.Lock()
	s.frames = frames
	s.step = stepNone
	s.pausing = false
	s.mu.Unlock()

	body := godap.StoppedEventBody{Reason: reason, ThreadId: threadID, AllThreadsStopped: true}
	if hit {
		body.HitBreakpointIds = []int{id}
	}
	s.log.Debug("stopped at %s:%d (%s)", loc.Source, loc.Line, reason)

	var (
		next stepMode
		err  error
	)
	if serr := s.conn.Event("stopped", &godap.StoppedEvent{Body: body}); serr == nil {
		select {
		case next = <-s.resume:
		case <-s.conn.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	s.frames = nil
	s.step = next
	s.depth = len(frames)
	s.mu.Unlock()
	return err
}

// resumeWith releases a stopped run, or sets the step mode for the next
// stop when the run is not stopped.
func (s *session) resumeWith(mode stepMode) {
	s.mu.Lock()
	stopped := s.frames != nil
	s.mu.Unlock()
	if !stopped {
		return
	}
	select {
	case s.resume <- mode:
	default:
	}
}

func (s *session) handle(conn *dap.Session, req godap.RequestMessage) {
	var err error
	switch r := req.(type) {
	case *godap.InitializeRequest:
		err = conn.Respond(r, &godap.InitializeResponse{
			Body: godap.Capabilities{SupportsConfigurationDoneRequest: true},
		})
		if err == nil {
			err = conn.Event("initialized", &godap.InitializedEvent{})
		}
	case *godap.AttachRequest:
		err = conn.Respond(r, &godap.AttachResponse{})
	case *godap.LaunchRequest:
		err = conn.Respond(r, &godap.LaunchResponse{})
	case *godap.SetBreakpointsRequest:
		err = conn.Respond(r, &godap.SetBreakpointsResponse{
			Body: godap.SetBreakpointsResponseBody{Breakpoints: s.setBreakpoints(r.Arguments)},
		})
	case *godap.SetExceptionBreakpointsRequest:
		err = conn.Respond(r, &godap.SetExceptionBreakpointsResponse{})
	case *godap.ConfigurationDoneRequest:
		err = conn.Respond(r, &godap.ConfigurationDoneResponse{})
		s.configOnce.Do(func() { close(s.configured) })
	case *godap.ThreadsRequest:
		err = conn.Respond(r, &godap.ThreadsResponse{
			Body: godap.ThreadsResponseBody{Threads: []godap.Thread{{Id: threadID, Name: s.name}}},
		})
	case *godap.StackTraceRequest:
		err = conn.Respond(r, &godap.StackTraceResponse{Body: s.stackTrace(r.Arguments)})
	case *godap.ScopesRequest:
		err = conn.Respond(r, &godap.ScopesResponse{Body: s.scopes(r.Arguments.FrameId)})
	case *godap.VariablesRequest:
		err = conn.Respond(r, &godap.VariablesResponse{Body: s.variables(r.Arguments.VariablesReference)})
	case *godap.ContinueRequest:
		err = conn.Respond(r, &godap.ContinueResponse{
			Body: godap.ContinueResponseBody{AllThreadsContinued: true},
		})
		s.resumeWith(stepNone)
	case *godap.NextRequest:
		err = conn.Respond(r, &godap.NextResponse{})
		s.resumeWith(stepOver)
	case *godap.StepInRequest:
		err = conn.Respond(r, &godap.StepInResponse{})
		s.resumeWith(stepIn)
	case *godap.StepOutRequest:
		err = conn.Respond(r, &godap.StepOutResponse{})
		s.resumeWith(stepOut)
	case *godap.PauseRequest:
		s.mu.Lock()
		s.pausing = true
		s.mu.Unlock()
		err = conn.Respond(r, &godap.PauseResponse{})
	case *godap.DisconnectRequest:
		s.mu.Lock()
		s.breakpoints = make(map[string]map[int]int)
		s.mu.Unlock()
		err = conn.Respond(r, &godap.DisconnectResponse{})
		_ = conn.Close()
	default:
		err = conn.Fail(req, "%s is not supported", req.GetRequest().Command)
	}
	if err != nil {
		s.log.Debug("%s: %v", req.GetRequest().Command, err)
	}
}

// setBreakpoints replaces the breakpoints of one source file.
func (s *session) setBreakpoints(args godap.SetBreakpointsArguments) []godap.Breakpoint {
	lines := args.Lines
	if len(args.Breakpoints) > 0 {
		lines = make([]int, len(args.Breakpoints))
		for i, bp := range args.Breakpoints {
			lines[i] = bp.Line
		}
	}

	path := filepath.Clean(args.Source.Path)
	source := &godap.Source{Name: filepath.Base(path), Path: path}

	s.mu.Lock()
	defer s.mu.Unlock()

	byLine := make(map[int]int, len(lines))
	out := make([]godap.Breakpoint, len(lines))
	for i, line := range lines {
		s.nextID++
		byLine[line] = s.nextID
		out[i] = godap.Breakpoint{Id: s.nextID, Verified: true, Line: line, Source: source}
	}
	if len(byLine) == 0 {
		delete(s.breakpoints, path)
	} else {
		s.breakpoints[path] = byLine
	}
	return out
}

func (s *session) stackTrace(args godap.StackTraceArguments) godap.StackTraceResponseBody {
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()

	body := godap.StackTraceResponseBody{StackFrames: []godap.StackFrame{}, TotalFrames: len(frames)}
	start := args.StartFrame
	if start < 0 || start >= len(frames) {
		return body
	}
	end := len(frames)
	if args.Levels > 0 && start+args.Levels < end {
		end = start + args.Levels
	}
	for i := start; i < end; i++ {
		f := frames[i]
		body.StackFrames = append(body.StackFrames, godap.StackFrame{
			Id:     i + 1,
			Name:   f.Name,
			Source: &godap.Source{Name: filepath.Base(f.Location.Source), Path: f.Location.Source},
			Line:   f.Location.Line,
			Column: 1,
		})
	}
	return body
}

// frame returns the stopped frame with the given 1-based id.
func (s *session) frame(id int) (script.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > len(s.frames) {
		return script.Frame{}, false
	}
	return s.frames[id-1], true
}

// scopes has one scope per frame, its locals, referenced by the frame id.
func (s *session) scopes(frameID int) godap.ScopesResponseBody {
	body := godap.ScopesResponseBody{Scopes: []godap.Scope{}}
	if f, ok := s.frame(frameID); ok {
		body.Scopes = append(body.Scopes, godap.Scope{
			Name:               "Locals",
			PresentationHint:   "locals",
			VariablesReference: frameID,
			NamedVariables:     len(f.Locals),
		})
	}
	return body
}

func (s *session) variables(ref int) godap.VariablesResponseBody {
	body := godap.VariablesResponseBody{Variables: []godap.Variable{}}
	f, ok := s.frame(ref)
	if !ok {
		return body
	}
	for _, v := range f.Locals {
		body.Variables = append(body.Variables, godap.Variable{Name: v.Name, Value: v.Value, Type: v.Type})
	}
	return body
}

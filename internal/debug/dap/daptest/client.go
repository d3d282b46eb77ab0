package daptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	godap "github.com/google/go-dap"

	"github.com/dshills/scriptbridge/internal/debug/dap"
)

// errClientClosed is returned for requests on a closed client.
var errClientClosed = errors.New("dap client closed")

// RequestError is a failed response from the debuggee.
type RequestError struct {
	Command string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("dap %s failed", e.Command)
	}
	return fmt.Sprintf("dap %s failed: %s", e.Command, e.Message)
}

// client is the front end side of a session. It sends requests and hands
// events to onEvent.
type client struct {
	transport dap.Transport
	seq       int64
	onEvent   func(godap.EventMessage)

	pendingMu sync.Mutex
	pending   map[int]chan godap.ResponseMessage

	done      chan struct{}
	closeOnce sync.Once
	err       atomic.Value
}

// newClient creates a client and starts its receive loop. onEvent runs on
// the receive loop.
func newClient(transport dap.Transport, onEvent func(godap.EventMessage)) *client {
	c := &client{
		transport: transport,
		onEvent:   onEvent,
		pending:   make(map[int]chan godap.ResponseMessage),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close closes the client and underlying transport.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

// Err returns the error that ended the receive loop, if any.
func (c *client) Err() error {
	if v, ok := c.err.Load().(error); ok {
		return v
	}
	return nil
}

func (c *client) receiveLoop() {
	defer c.Close()
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.err.Store(err)
			}
			c.failPending()
			return
		}

		switch m := msg.(type) {
		case godap.ResponseMessage:
			c.handleResponse(m)
		case godap.EventMessage:
			if c.onEvent != nil {
				c.onEvent(m)
			}
		}
	}
}

// failPending releases every waiter after the transport has gone away.
func (c *client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}

func (c *client) handleResponse(resp godap.ResponseMessage) {
	seq := resp.GetResponse().RequestSeq

	c.pendingMu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.pendingMu.Unlock()

	if ok {
		ch <- resp
	}
}

// send assigns a sequence number to req, sends it, and waits for the
// matching response.
func (c *client) send(ctx context.Context, req godap.RequestMessage) (godap.ResponseMessage, error) {
	select {
	case <-c.done:
		return nil, errClientClosed
	default:
	}

	r := req.GetRequest()
	r.Seq = int(atomic.AddInt64(&c.seq, 1))
	r.Type = "request"

	ch := make(chan godap.ResponseMessage, 1)
	c.pendingMu.Lock()
	c.pending[r.Seq] = ch
	c.pendingMu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, r.Seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("send %s: %w", r.Command, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, r.Seq)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, fmt.Errorf("%s: %w", r.Command, err)
			}
			return nil, errClientClosed
		}
		if base := resp.GetResponse(); !base.Success {
			msg := base.Message
			if er, ok := resp.(*godap.ErrorResponse); ok && er.Body.Error != nil {
				msg = er.Body.Error.Format
			}
			return nil, &RequestError{Command: r.Command, Message: msg}
		}
		return resp, nil
	}
}

func (c *client) initialize(ctx context.Context, clientID string) (*godap.Capabilities, error) {
	resp, err := c.send(ctx, &godap.InitializeRequest{
		Request: godap.Request{Command: "initialize"},
		Arguments: godap.InitializeRequestArguments{
			ClientID:        clientID,
			ClientName:      clientID,
			AdapterID:       clientID,
			PathFormat:      "path",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
		},
	})
	if err != nil {
		return nil, err
	}
	if ir, ok := resp.(*godap.InitializeResponse); ok {
		return &ir.Body, nil
	}
	return &godap.Capabilities{}, nil
}

func (c *client) attach(ctx context.Context, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal attach arguments: %w", err)
	}
	_, err = c.send(ctx, &godap.AttachRequest{
		Request:   godap.Request{Command: "attach"},
		Arguments: raw,
	})
	return err
}

func (c *client) setBreakpoints(ctx context.Context, path string, lines []int) ([]godap.Breakpoint, error) {
	bps := make([]godap.SourceBreakpoint, len(lines))
	for i, line := range lines {
		bps[i] = godap.SourceBreakpoint{Line: line}
	}
	resp, err := c.send(ctx, &godap.SetBreakpointsRequest{
		Request: godap.Request{Command: "setBreakpoints"},
		Arguments: godap.SetBreakpointsArguments{
			Source:      godap.Source{Path: path},
			Breakpoints: bps,
		},
	})
	if err != nil {
		return nil, err
	}
	if r, ok := resp.(*godap.SetBreakpointsResponse); ok {
		return r.Body.Breakpoints, nil
	}
	return nil, nil
}

func (c *client) configurationDone(ctx context.Context) error {
	_, err := c.send(ctx, &godap.ConfigurationDoneRequest{
		Request: godap.Request{Command: "configurationDone"},
	})
	return err
}

func (c *client) stackTrace(ctx context.Context, threadID int) ([]godap.StackFrame, error) {
	resp, err := c.send(ctx, &godap.StackTraceRequest{
		Request:   godap.Request{Command: "stackTrace"},
		Arguments: godap.StackTraceArguments{ThreadId: threadID},
	})
	if err != nil {
		return nil, err
	}
	if r, ok := resp.(*godap.StackTraceResponse); ok {
		return r.Body.StackFrames, nil
	}
	return nil, nil
}

func (c *client) scopes(ctx context.Context, frameID int) ([]godap.Scope, error) {
	resp, err := c.send(ctx, &godap.ScopesRequest{
		Request:   godap.Request{Command: "scopes"},
		Arguments: godap.ScopesArguments{FrameId: frameID},
	})
	if err != nil {
		return nil, err
	}
	if r, ok := resp.(*godap.ScopesResponse); ok {
		return r.Body.Scopes, nil
	}
	return nil, nil
}

func (c *client) variables(ctx context.Context, ref int) ([]godap.Variable, error) {
	resp, err := c.send(ctx, &godap.VariablesRequest{
		Request:   godap.Request{Command: "variables"},
		Arguments: godap.VariablesArguments{VariablesReference: ref},
	})
	if err != nil {
		return nil, err
	}
	if r, ok := resp.(*godap.VariablesResponse); ok {
		return r.Body.Variables, nil
	}
	return nil, nil
}

// resume sends one of continue, next, stepIn or stepOut.
func (c *client) resume(ctx context.Context, command string, threadID int) error {
	var req godap.RequestMessage
	switch command {
	case "next":
		req = &godap.NextRequest{Arguments: godap.NextArguments{ThreadId: threadID}}
	case "stepIn":
		req = &godap.StepInRequest{Arguments: godap.StepInArguments{ThreadId: threadID}}
	case "stepOut":
		req = &godap.StepOutRequest{Arguments: godap.StepOutArguments{ThreadId: threadID}}
	default:
		command = "continue"
		req = &godap.ContinueRequest{Arguments: godap.ContinueArguments{ThreadId: threadID}}
	}
	req.GetRequest().Command = command
	_, err := c.send(ctx, req)
	return err
}

func (c *client) disconnect(ctx context.Context) error {
	_, err := c.send(ctx, &godap.DisconnectRequest{
		Request:   godap.Request{Command: "disconnect"},
		Arguments: &godap.DisconnectArguments{},
	})
	return err
}

package dap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	godap "github.com/google/go-dap"
)

// ErrSessionClosed is returned for messages sent on a closed session.
var ErrSessionClosed = errors.New("dap session closed")

// Handler answers one request. It runs on the session's read loop, so it
// must not block on anything the front end has yet to send.
type Handler func(s *Session, req godap.RequestMessage)

// Session is the adapter side of one debug session: it reads requests from
// the front end and sends responses and events back.
type Session struct {
	transport Transport
	seq       int64

	done      chan struct{}
	closeOnce sync.Once
	err       atomic.Value
}

// NewSession creates a session over transport. Nothing is read until Serve.
func NewSession(transport Transport) *Session {
	return &Session{
		transport: transport,
		done:      make(chan struct{}),
	}
}

// Serve reads requests and hands each to handle until the transport fails
// or the session is closed. It returns nil after Close.
func (s *Session) Serve(handle Handler) error {
	defer s.Close()
	for {
		msg, err := s.transport.Receive()
		if err != nil {
			var fieldErr *godap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				if fieldErr.SubType == "Request" {
					s.reject(fieldErr)
				}
				continue
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			s.err.Store(err)
			return err
		}

		if req, ok := msg.(godap.RequestMessage); ok {
			handle(s, req)
		}
	}
}

// reject answers a request whose command could not be decoded.
func (s *Session) reject(e *godap.DecodeProtocolMessageFieldError) {
	resp := &godap.ErrorResponse{
		Body: godap.ErrorResponseBody{
			Error: &godap.ErrorMessage{Id: 1, Format: e.Error()},
		},
	}
	r := resp.GetResponse()
	r.Seq = s.nextSeq()
	r.Type = "response"
	r.RequestSeq = e.Seq
	r.Command = e.FieldValue
	r.Message = "unsupported"
	_ = s.send(resp)
}

// Respond sends a successful response to req. The response envelope is
// filled in; only the body needs setting.
func (s *Session) Respond(req godap.RequestMessage, resp godap.ResponseMessage) error {
	in := req.GetRequest()
	r := resp.GetResponse()
	r.Seq = s.nextSeq()
	r.Type = "response"
	r.RequestSeq = in.Seq
	r.Command = in.Command
	r.Success = true
	return s.send(resp)
}

// Fail sends an error response to req.
func (s *Session) Fail(req godap.RequestMessage, format string, args ...any) error {
	in := req.GetRequest()
	msg := fmt.Sprintf(format, args...)
	return s.send(&godap.ErrorResponse{
		Response: godap.Response{
			ProtocolMessage: godap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
			RequestSeq:      in.Seq,
			Command:         in.Command,
			Message:         msg,
		},
		Body: godap.ErrorResponseBody{
			Error: &godap.ErrorMessage{Id: 1, Format: msg},
		},
	})
}

// Event sends evt under name.
func (s *Session) Event(name string, evt godap.EventMessage) error {
	e := evt.GetEvent()
	e.Seq = s.nextSeq()
	e.Type = "event"
	e.Event = name
	return s.send(evt)
}

func (s *Session) send(msg godap.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return s.transport.Send(msg)
}

func (s *Session) nextSeq() int {
	return int(atomic.AddInt64(&s.seq, 1))
}

// Close closes the session and its transport. Serve returns.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.transport.Close()
	})
	return err
}

// Done is closed when the session ends, from either side.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended Serve, if any.
func (s *Session) Err() error {
	if v, ok := s.err.Load().(error); ok {
		return v
	}
	return nil
}

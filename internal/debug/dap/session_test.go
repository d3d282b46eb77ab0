package dap_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	godap "github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/scriptbridge/internal/debug/dap"
)

// peer is the front end end of a pipe to a served session.
type peer struct {
	conn   net.Conn
	reader *bufio.Reader
	seq    int
}

func (p *peer) send(t *testing.T, req godap.RequestMessage, command string) int {
	t.Helper()
	p.seq++
	r := req.GetRequest()
	r.Seq = p.seq
	r.Type = "request"
	r.Command = command
	require.NoError(t, godap.WriteProtocolMessage(p.conn, req))
	return p.seq
}

func (p *peer) read(t *testing.T) godap.Message {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := godap.ReadProtocolMessage(p.reader)
	require.NoError(t, err)
	return msg
}

// serve starts a session answering initialize, and rejecting anything else.
func serve(t *testing.T) (*dap.Session, *peer, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	s := dap.NewSession(dap.NewRawTransport(server))
	t.Cleanup(func() { _ = s.Close(); _ = client.Close() })

	served := make(chan error, 1)
	go func() {
		served <- s.Serve(func(s *dap.Session, req godap.RequestMessage) {
			switch r := req.(type) {
			case *godap.InitializeRequest:
				_ = s.Respond(r, &godap.InitializeResponse{
					Body: godap.Capabilities{SupportsConfigurationDoneRequest: true},
				})
				_ = s.Event("initialized", &godap.InitializedEvent{})
			default:
				_ = s.Fail(req, "%s is not supported", req.GetRequest().Command)
			}
		})
	}()
	return s, &peer{conn: client, reader: bufio.NewReader(client)}, served
}

func TestSession_RespondAndEvent(t *testing.T) {
	_, p, _ := serve(t)

	seq := p.send(t, &godap.InitializeRequest{}, "initialize")

	resp, ok := p.read(t).(*godap.InitializeResponse)
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, seq, resp.RequestSeq)
	assert.Equal(t, "initialize", resp.Command)
	assert.Equal(t, "response", resp.Type)
	assert.True(t, resp.Body.SupportsConfigurationDoneRequest)

	evt, ok := p.read(t).(*godap.InitializedEvent)
	require.True(t, ok)
	assert.Equal(t, "initialized", evt.Event.Event)
	assert.Equal(t, "event", evt.Type)
	assert.Greater(t, evt.Seq, resp.Seq)
}

func TestSession_Fail(t *testing.T) {
	_, p, _ := serve(t)

	seq := p.send(t, &godap.ThreadsRequest{}, "threads")

	resp, ok := p.read(t).(*godap.ErrorResponse)
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, seq, resp.RequestSeq)
	assert.Equal(t, "threads", resp.Command)
	require.NotNil(t, resp.Body.Error)
	assert.Equal(t, "threads is not supported", resp.Body.Error.Format)
}

func TestSession_UnknownCommandKeepsServing(t *testing.T) {
	_, p, _ := serve(t)

	body := `{"seq":7,"type":"request","command":"frobnicate"}`
	_, err := fmt.Fprintf(p.conn, "Content-Length: %d\r\n\r\n%s", len(body), body)
	require.NoError(t, err)

	resp, ok := p.read(t).(*godap.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, 7, resp.RequestSeq)
	assert.Equal(t, "frobnicate", resp.Command)

	p.send(t, &godap.InitializeRequest{}, "initialize")
	_, ok = p.read(t).(*godap.InitializeResponse)
	assert.True(t, ok)
}

func TestSession_CloseEndsServe(t *testing.T) {
	s, _, served := serve(t)

	require.NoError(t, s.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.ErrorIs(t, s.Event("output", &godap.OutputEvent{}), dap.ErrSessionClosed)
	<-s.Done()
}

func TestSession_PeerHangupEndsServe(t *testing.T) {
	s, p, served := serve(t)

	require.NoError(t, p.conn.Close())
	select {
	case err := <-served:
		assert.Error(t, err)
		assert.Equal(t, err, s.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-s.Done()
}

func TestDialSocket_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = dap.DialSocket(context.Background(), addr)
	assert.Error(t, err)
}

// Package dap carries Debug Adapter Protocol sessions. A Session serves the
// adapter side of the protocol to a front end such as an IDE.
package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	godap "github.com/google/go-dap"
)

// Transport carries DAP messages to and from the peer.
type Transport interface {
	// Send sends a message to the peer.
	Send(msg godap.Message) error

	// Receive receives a message from the peer.
	Receive() (godap.Message, error)

	// Close closes the transport.
	Close() error
}

// RawTransport wraps any io.ReadWriteCloser as a Transport.
type RawTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewRawTransport creates a transport from any ReadWriteCloser.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// Send sends a message.
func (t *RawTransport) Send(msg godap.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := godap.WriteProtocolMessage(t.rwc, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive receives a message.
func (t *RawTransport) Receive() (godap.Message, error) {
	msg, err := godap.ReadProtocolMessage(t.reader)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return msg, nil
}

// Close closes the underlying connection.
func (t *RawTransport) Close() error {
	return t.rwc.Close()
}

// DialSocket connects to a debugger front end listening on a TCP address.
func DialSocket(ctx context.Context, address string) (*RawTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewRawTransport(conn), nil
}

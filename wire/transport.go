// Package wire implements the host/module communication channel: transports
// that move whole messages across a process boundary, and encodings that lay
// protocol envelopes onto those messages.
//
// Transports carry opaque byte strings and know nothing about envelopes;
// encodings produce and consume byte strings and know nothing about sockets.
// Any transport can carry any encoding.
package wire

import (
	"context"
	"fmt"
)

// MaxMessage caps the size of one message on the wire. Both sides enforce
// it on send, and datagram transports size their receive buffers with it so
// an oversized peer message is truncated rather than trusted.
const MaxMessage = 4 << 20

// Transport network names.
const (
	// NetworkUnixgram is the default channel transport: unix datagram
	// sockets, one message per datagram.
	NetworkUnixgram = "unixgram"
	// NetworkUnixpacket runs the channel over SOCK_SEQPACKET, keeping
	// message boundaries with connection-oriented delivery.
	NetworkUnixpacket = "unixpacket"
)

// Networks lists the dialable transport names in stable order.
func Networks() []string {
	return []string{NetworkUnixgram, NetworkUnixpacket}
}

// Transport is one side of a point-to-point message channel. Messages are
// delivered whole and in order; boundaries are preserved regardless of
// payload size or encoding.
//
// Send is safe for concurrent use. Recv is not: the channel protocol has
// exactly one reader per side.
type Transport interface {
	// Send delivers one message to the peer. It fails with a
	// *TransportError when the message exceeds MaxMessage or the channel
	// is no longer usable.
	Send(p []byte) error

	// Recv blocks until the next message arrives from the peer. A closed
	// or broken channel surfaces as a *TransportError.
	Recv() ([]byte, error)

	// Close releases the channel. It is safe to call more than once.
	Close() error
}

// Listener binds the host side of a channel and waits for the module to
// connect.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Transport, error)

	// Addr is the address modules dial to reach this listener.
	Addr() string

	// Close releases the listening socket. It is safe to call more than
	// once.
	Close() error
}

// Listen binds the host side of a channel on the named transport.
func Listen(network, address string) (Listener, error) {
	switch network {
	case NetworkUnixgram:
		return listenUnixgram(address)
	case NetworkUnixpacket:
		return listenUnixpacket(address)
	}
	return nil, &TransportError{Op: "listen", Err: fmt.Errorf("unknown transport %q", network)}
}

// Dial connects the module side of a channel on the named transport.
func Dial(network, address string) (Transport, error) {
	switch network {
	case NetworkUnixgram:
		return dialUnixgram(address)
	case NetworkUnixpacket:
		return dialUnixpacket(address)
	}
	return nil, &TransportError{Op: "dial", Err: fmt.Errorf("unknown transport %q", network)}
}

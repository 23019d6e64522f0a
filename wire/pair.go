package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// pairDepth is how many undelivered messages each direction of an in-memory
// pair buffers before sends fail, mirroring datagram socket backpressure.
const pairDepth = 64

// Pair returns two in-memory transports cross-wired to each other, for
// tests and in-process modules. Sends never block: when the peer stops
// draining and the buffer fills, Send fails with a *TransportError. Recv
// unblocks with an error once the peer closes and the buffer is drained,
// and immediately when the owner closes its own end, matching how a
// closed socket fails a blocked read.
func Pair() (Transport, Transport) {
	ab := make(chan []byte, pairDepth)
	ba := make(chan []byte, pairDepth)
	return &pairConn{out: ab, in: ba, done: make(chan struct{})},
		&pairConn{out: ba, in: ab, done: make(chan struct{})}
}

type pairConn struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	out    chan<- []byte
	in     <-chan []byte
}

func (t *pairConn) Send(p []byte) error {
	if len(p) > MaxMessage {
		return &TransportError{Op: "send", Err: fmt.Errorf("message size %d exceeds limit %d", len(p), MaxMessage)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &TransportError{Op: "send", Err: errors.New("transport closed")}
	}

	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case t.out <- cp:
		return nil
	default:
		return &TransportError{Op: "send", Err: errors.New("peer not draining, buffer full")}
	}
}

func (t *pairConn) Recv() ([]byte, error) {
	select {
	case p, ok := <-t.in:
		if !ok {
			return nil, &TransportError{Op: "recv", Err: io.EOF}
		}
		return p, nil
	case <-t.done:
		return nil, &TransportError{Op: "recv", Err: errors.New("transport closed")}
	}
}

func (t *pairConn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
		close(t.done)
	}
	return nil
}

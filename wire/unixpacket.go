package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// The unixpacket transport runs the channel over SOCK_SEQPACKET: each Write
// is one record and each Read returns one whole record, so message
// boundaries survive without explicit framing. Records larger than
// MaxMessage are truncated by the kernel, which the send-side size check
// makes unreachable between well-behaved peers.

func dialUnixpacket(address string) (Transport, error) {
	conn, err := net.Dial("unixpacket", address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return &packetConn{conn: conn}, nil
}

func listenUnixpacket(address string) (Listener, error) {
	ln, err := net.Listen("unixpacket", address)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	return &packetListener{ln: ln.(*net.UnixListener), path: address}, nil
}

type packetListener struct {
	ln   *net.UnixListener
	path string

	closeOnce sync.Once
	closeErr  error
}

func (l *packetListener) Addr() string { return l.path }

func (l *packetListener) Accept(ctx context.Context) (Transport, error) {
	type accepted struct {
		conn net.Conn
		err  error
	}

	ch := make(chan accepted, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- accepted{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = l.ln.SetDeadline(time.Now())
		a := <-ch
		if a.conn != nil {
			_ = a.conn.Close()
		}
		_ = l.ln.SetDeadline(time.Time{})
		return nil, &TransportError{Op: "accept", Err: ctx.Err()}
	case a := <-ch:
		if a.err != nil {
			return nil, &TransportError{Op: "accept", Err: a.err}
		}
		return &packetConn{conn: a.conn}, nil
	}
}

func (l *packetListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	if l.closeErr != nil {
		return &TransportError{Op: "close", Err: l.closeErr}
	}
	return nil
}

type packetConn struct {
	conn net.Conn

	recvBuf []byte

	closeOnce sync.Once
	closeErr  error
}

func (t *packetConn) Send(p []byte) error {
	if len(p) > MaxMessage {
		return &TransportError{Op: "send", Err: fmt.Errorf("message size %d exceeds limit %d", len(p), MaxMessage)}
	}
	if _, err := t.conn.Write(p); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *packetConn) Recv() ([]byte, error) {
	if t.recvBuf == nil {
		t.recvBuf = make([]byte, MaxMessage)
	}
	n, err := t.conn.Read(t.recvBuf)
	if err != nil {
		return nil, &TransportError{Op: "recv", Err: err}
	}
	out := make([]byte, n)
	copy(out, t.recvBuf[:n])
	return out, nil
}

func (t *packetConn) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	if t.closeErr != nil {
		return &TransportError{Op: "close", Err: t.closeErr}
	}
	return nil
}

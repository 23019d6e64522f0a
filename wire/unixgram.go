package wire

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// The unixgram transport is connectionless at the socket level. The module
// binds a private address of its own and announces itself with one empty
// datagram; the host's Accept consumes the announcement and pins the channel
// to that sender. One listener serves exactly one peer.

func dialUnixgram(address string) (Transport, error) {
	dir, err := os.MkdirTemp("", "kiln-wire-")
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	laddr := &net.UnixAddr{Name: filepath.Join(dir, "peer.sock"), Net: "unixgram"}
	raddr := &net.UnixAddr{Name: address, Net: "unixgram"}

	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &TransportError{Op: "dial", Err: err}
	}

	t := &unixgramConn{conn: conn, dir: dir}
	if err := t.Send(nil); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// unixgramConn is the module side of a datagram channel: a connected socket
// bound to a private path so the host can route replies back.
type unixgramConn struct {
	conn *net.UnixConn
	dir  string

	recvBuf []byte

	closeOnce sync.Once
	closeErr  error
}

func (t *unixgramConn) Send(p []byte) error {
	if len(p) > MaxMessage {
		return &TransportError{Op: "send", Err: fmt.Errorf("message size %d exceeds limit %d", len(p), MaxMessage)}
	}
	if _, err := t.conn.Write(p); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *unixgramConn) Recv() ([]byte, error) {
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

func (t *unixgramConn) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		_ = os.RemoveAll(t.dir)
	})
	if t.closeErr != nil {
		return &TransportError{Op: "close", Err: t.closeErr}
	}
	return nil
}

func listenUnixgram(address string) (Listener, error) {
	laddr := &net.UnixAddr{Name: address, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	return &unixgramListener{conn: conn, path: address}, nil
}

type unixgramListener struct {
	conn *net.UnixConn
	path string

	closeOnce sync.Once
	closeErr  error
}

func (l *unixgramListener) Addr() string { return l.path }

// Accept waits for a peer announcement and pins the channel to that sender.
// Datagrams from unbound senders are dropped: replies would have nowhere
// to go.
func (l *unixgramListener) Accept(ctx context.Context) (Transport, error) {
	type announce struct {
		addr *net.UnixAddr
		err  error
	}

	ch := make(chan announce, 1)
	go func() {
		buf := make([]byte, MaxMessage)
		for {
			_, addr, err := l.conn.ReadFromUnix(buf)
			if err != nil {
				ch <- announce{err: err}
				return
			}
			if addr == nil || addr.Name == "" {
				continue
			}
			ch <- announce{addr: addr}
			return
		}
	}()

	select {
	case <-ctx.Done():
		_ = l.conn.SetReadDeadline(time.Now())
		<-ch
		_ = l.conn.SetReadDeadline(time.Time{})
		return nil, &TransportError{Op: "accept", Err: ctx.Err()}
	case a := <-ch:
		if a.err != nil {
			return nil, &TransportError{Op: "accept", Err: a.err}
		}
		return &unixgramServerConn{l: l, peer: a.addr}, nil
	}
}

func (l *unixgramListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
		_ = os.Remove(l.path)
	})
	if l.closeErr != nil {
		return &TransportError{Op: "close", Err: l.closeErr}
	}
	return nil
}

// unixgramServerConn is the host's view of an accepted datagram channel. It
// shares the listening socket; sends are routed by the pinned peer address
// and datagrams from anyone else are dropped on receive.
type unixgramServerConn struct {
	l    *unixgramListener
	peer *net.UnixAddr

	recvBuf []byte
}

func (t *unixgramServerConn) Send(p []byte) error {
	if len(p) > MaxMessage {
		return &TransportError{Op: "send", Err: fmt.Errorf("message size %d exceeds limit %d", len(p), MaxMessage)}
	}
	if _, err := t.l.conn.WriteToUnix(p, t.peer); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *unixgramServerConn) Recv() ([]byte, error) {
	if t.recvBuf == nil {
		t.recvBuf = make([]byte, MaxMessage)
	}
	for {
		n, addr, err := t.l.conn.ReadFromUnix(t.recvBuf)
		if err != nil {
			return nil, &TransportError{Op: "recv", Err: err}
		}
		if addr == nil || addr.Name != t.peer.Name {
			continue
		}
		out := make([]byte, n)
		copy(out, t.recvBuf[:n])
		return out, nil
	}
}

// Close tears down the shared socket. The channel is point-to-point, so
// closing the accepted side ends the listener as well.
func (t *unixgramServerConn) Close() error {
	return t.l.Close()
}

package iox

import (
	"errors"
	"io"
	"strings"
	"testing"
)

type spyCloser struct{ closed bool }

func (s *spyCloser) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCloseFunc(t *testing.T) {
	s := &spyCloser{}
	fn := CloseFunc(s)
	if s.closed {
		t.Fatal("Close called before invoking returned func")
	}
	fn()
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestDiscardErr(t *testing.T) {
	called := false
	DiscardErr(func() error {
		called = true
		return errors.New("ignored")
	})
	if !called {
		t.Fatal("fn was not called")
	}
}

type drainCloser struct {
	io.Reader
	closed bool
}

func (d *drainCloser) Close() error { d.closed = true; return nil }

func TestDrainClose(t *testing.T) {
	r := strings.NewReader("leftover response body")
	dc := &drainCloser{Reader: r}

	DrainClose(dc, 1024)

	if !dc.closed {
		t.Fatal("Close was not called")
	}
	if r.Len() != 0 {
		t.Fatalf("reader not drained, %d bytes left", r.Len())
	}
}

func TestDrainClose_Capped(t *testing.T) {
	r := strings.NewReader(strings.Repeat("x", 100))
	dc := &drainCloser{Reader: r}

	DrainClose(dc, 10)

	if !dc.closed {
		t.Fatal("Close was not called")
	}
	if got := r.Len(); got != 90 {
		t.Fatalf("drained past the cap, %d bytes left", got)
	}
}

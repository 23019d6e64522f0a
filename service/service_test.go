package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kilnworks/kiln/types"
	"github.com/kilnworks/kiln/wire"
)

// fakeHandler adapts a func to the Handler interface.
type fakeHandler struct {
	name string
	run  func(ctx context.Context, req *Request) (any, error)
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Run(ctx context.Context, req *Request) (any, error) {
	return h.run(ctx, req)
}

func mustEncoding(t *testing.T, name string) wire.Encoding {
	t.Helper()
	enc, err := wire.ByName(name)
	if err != nil {
		t.Fatalf("encoding %s: %v", name, err)
	}
	return enc
}

// startService runs svc.Run in the background and returns a channel
// carrying its result.
func startService(svc *Service) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(context.Background()) }()
	return errCh
}

func sendMethod(t *testing.T, tr wire.Transport, enc wire.Encoding, name string, args map[string]any) {
	t.Helper()
	raw, err := wire.Pack(enc, &types.Method{Name: name, Args: args})
	if err != nil {
		t.Fatalf("pack method: %v", err)
	}
	if err := tr.Send(raw); err != nil {
		t.Fatalf("send method: %v", err)
	}
}

func recvEnvelope(t *testing.T, tr wire.Transport, enc wire.Encoding) *types.Envelope {
	t.Helper()
	raw, err := tr.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	env, err := wire.Unpack(enc, raw)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	return env
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("service did not terminate")
		return nil
	}
}

func TestRun_ReplyFlow(t *testing.T) {
	for _, encName := range wire.Encodings() {
		t.Run(encName, func(t *testing.T) {
			enc := mustEncoding(t, encName)
			hostEnd, modEnd := wire.Pair()

			svc := New(Config{Transport: modEnd, Encoding: enc})
			svc.Register(&fakeHandler{
				name: "fetch",
				run: func(_ context.Context, req *Request) (any, error) {
					return map[string]any{"echo": req.Method.Args["want"]}, nil
				},
			})

			errCh := startService(svc)
			sendMethod(t, hostEnd, enc, "fetch", map[string]any{"want": "ok"})

			env := recvEnvelope(t, hostEnd, enc)
			if env.Type != types.MessageKindReply {
				t.Fatalf("got %s, want reply", env.Type)
			}
			reply, err := enc.DecodeReply(env.Data)
			if err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			payload, _ := reply.Data.(map[string]any)
			if payload["echo"] != "ok" {
				t.Errorf("payload = %v", reply.Data)
			}

			if err := waitErr(t, errCh); err != nil {
				t.Errorf("Run = %v, want nil", err)
			}
			if svc.State() != StateTerminated {
				t.Errorf("state = %s, want terminated", svc.State())
			}
		})
	}
}

func TestRun_SignalsBeforeReply(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	svc := New(Config{Transport: modEnd, Encoding: enc})
	svc.Register(&fakeHandler{
		name: "fetch",
		run: func(_ context.Context, req *Request) (any, error) {
			for _, step := range []string{"one", "two"} {
				if err := req.Emitter.Emit(map[string]any{"step": step}); err != nil {
					return nil, err
				}
			}
			return "done", nil
		},
	})

	errCh := startService(svc)
	sendMethod(t, hostEnd, enc, "fetch", nil)

	var kinds []types.MessageKind
	for i := 0; i < 3; i++ {
		env := recvEnvelope(t, hostEnd, enc)
		kinds = append(kinds, env.Type)
	}

	want := []types.MessageKind{types.MessageKindSignal, types.MessageKindSignal, types.MessageKindReply}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("message %d = %s, want %s (sequence %v)", i, kinds[i], k, kinds)
		}
	}
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRun_HandlerErrorBecomesException(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	jobErr := &types.ItemError{Kind: types.ErrorKindCacheIO, Message: "cache root vanished"}
	svc := New(Config{Transport: modEnd, Encoding: enc})
	svc.Register(&fakeHandler{
		name: "fetch",
		run: func(context.Context, *Request) (any, error) {
			return nil, jobErr
		},
	})

	errCh := startService(svc)
	sendMethod(t, hostEnd, enc, "fetch", nil)

	env := recvEnvelope(t, hostEnd, enc)
	if env.Type != types.MessageKindException {
		t.Fatalf("got %s, want exception", env.Type)
	}
	exc, err := enc.DecodeException(env.Data)
	if err != nil {
		t.Fatalf("decode exception: %v", err)
	}
	if exc.Name != string(types.ErrorKindCacheIO) {
		t.Errorf("exception name = %q, want CacheIOError", exc.Name)
	}
	if !strings.Contains(exc.Value, "cache root vanished") {
		t.Errorf("exception value = %q", exc.Value)
	}

	got := waitErr(t, errCh)
	if !errors.Is(got, jobErr) {
		t.Errorf("Run = %v, want the job error", got)
	}
	if wire.IsTransportError(got) {
		t.Error("job error misclassified as transport failure")
	}
}

func TestRun_FirstMessageMustBeMethod(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	svc := New(Config{Transport: modEnd, Encoding: enc})
	errCh := startService(svc)

	raw, err := wire.Pack(enc, &types.Signal{Data: "early"})
	if err != nil {
		t.Fatalf("pack signal: %v", err)
	}
	if err := hostEnd.Send(raw); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := recvEnvelope(t, hostEnd, enc)
	if env.Type != types.MessageKindException {
		t.Fatalf("got %s, want exception", env.Type)
	}
	exc, err := enc.DecodeException(env.Data)
	if err != nil {
		t.Fatalf("decode exception: %v", err)
	}
	if exc.Name != string(types.ErrorKindProtocol) {
		t.Errorf("exception name = %q, want ProtocolError", exc.Name)
	}

	got := waitErr(t, errCh)
	var pe *wire.ProtocolError
	if !errors.As(got, &pe) {
		t.Errorf("Run = %v, want *wire.ProtocolError", got)
	}
}

func TestRun_UnknownMethod(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	svc := New(Config{Transport: modEnd, Encoding: enc})
	errCh := startService(svc)
	sendMethod(t, hostEnd, enc, "mine", nil)

	env := recvEnvelope(t, hostEnd, enc)
	if env.Type != types.MessageKindException {
		t.Fatalf("got %s, want exception", env.Type)
	}
	exc, _ := enc.DecodeException(env.Data)
	if exc.Name != string(types.ErrorKindProtocol) {
		t.Errorf("exception name = %q, want ProtocolError", exc.Name)
	}
	if !strings.Contains(exc.Value, "mine") {
		t.Errorf("exception value %q does not name the method", exc.Value)
	}
	if err := waitErr(t, errCh); err == nil {
		t.Error("Run = nil, want error")
	}
}

func TestRun_MalformedEnvelope(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	svc := New(Config{Transport: modEnd, Encoding: enc})
	errCh := startService(svc)

	if err := hostEnd.Send([]byte("{not json")); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := recvEnvelope(t, hostEnd, enc)
	if env.Type != types.MessageKindException {
		t.Fatalf("got %s, want exception", env.Type)
	}
	exc, _ := enc.DecodeException(env.Data)
	if exc.Name != string(types.ErrorKindProtocol) {
		t.Errorf("exception name = %q, want ProtocolError", exc.Name)
	}
	if err := waitErr(t, errCh); err == nil {
		t.Error("Run = nil, want decode error")
	}
}

func TestRun_HandlerPanic(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	svc := New(Config{Transport: modEnd, Encoding: enc})
	svc.Register(&fakeHandler{
		name: "fetch",
		run: func(context.Context, *Request) (any, error) {
			panic("checksum table corrupted")
		},
	})

	errCh := startService(svc)
	sendMethod(t, hostEnd, enc, "fetch", nil)

	env := recvEnvelope(t, hostEnd, enc)
	if env.Type != types.MessageKindException {
		t.Fatalf("got %s, want exception", env.Type)
	}
	exc, _ := enc.DecodeException(env.Data)
	if exc.Name != string(types.ErrorKindInternal) {
		t.Errorf("exception name = %q, want InternalError", exc.Name)
	}
	if !strings.Contains(exc.Value, "checksum table corrupted") {
		t.Errorf("exception value = %q", exc.Value)
	}
	if exc.Backtrace == "" {
		t.Error("panic exception has no backtrace")
	}
	if err := waitErr(t, errCh); err == nil {
		t.Error("Run = nil, want panic error")
	}
}

func TestRun_PeerClosedBeforeMethod(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	svc := New(Config{Transport: modEnd, Encoding: enc})
	errCh := startService(svc)

	_ = hostEnd.Close()

	got := waitErr(t, errCh)
	if !wire.IsTransportError(got) {
		t.Errorf("Run = %v, want transport error", got)
	}
	if svc.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", svc.State())
	}
}

func TestRun_ContextCanceledWhileWaiting(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	_, modEnd := wire.Pair()

	svc := New(Config{Transport: modEnd, Encoding: enc})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	cancel()

	got := waitErr(t, errCh)
	if !wire.IsTransportError(got) {
		t.Errorf("Run = %v, want transport error from closed channel", got)
	}
}

func TestEmitter_RefusesSignalsAfterTerminal(t *testing.T) {
	enc := mustEncoding(t, wire.EncodingJSON)
	hostEnd, modEnd := wire.Pair()

	var leaked *Emitter
	svc := New(Config{Transport: modEnd, Encoding: enc})
	svc.Register(&fakeHandler{
		name: "fetch",
		run: func(_ context.Context, req *Request) (any, error) {
			leaked = req.Emitter
			return "ok", nil
		},
	})

	errCh := startService(svc)
	sendMethod(t, hostEnd, enc, "fetch", nil)

	if env := recvEnvelope(t, hostEnd, enc); env.Type != types.MessageKindReply {
		t.Fatalf("got %s, want reply", env.Type)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := leaked.Emit("straggler"); !errors.Is(err, ErrEmitterClosed) {
		t.Errorf("Emit after terminal = %v, want ErrEmitterClosed", err)
	}
}

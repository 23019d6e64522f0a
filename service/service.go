// Package service implements the module-side protocol state machine.
//
// A module invocation is one pass through the machine: wait for exactly
// one Method, dispatch it to the registered handler, stream progress
// Signals while the handler runs, and finish with exactly one terminal
// message. A handler error becomes an Exception named after the error's
// kind; only a broken channel ends the exchange without a terminal
// message.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/kilnworks/kiln/cache"
	"github.com/kilnworks/kiln/log"
	"github.com/kilnworks/kiln/metrics"
	"github.com/kilnworks/kiln/types"
	"github.com/kilnworks/kiln/wire"
)

// Handler runs one job kind.
type Handler interface {
	// Name is the method name the handler serves.
	Name() string

	// Run executes the job. The returned value becomes the Reply payload.
	// A returned error terminates the job with an Exception named after
	// the error's kind; item-scoped failures belong inside the returned
	// payload, not in the error.
	Run(ctx context.Context, req *Request) (any, error)
}

// Request carries one dispatched Method and the collaborators a handler
// may use while serving it.
type Request struct {
	// Method is the decoded job request.
	Method *types.Method
	// Cache is the shared content cache.
	Cache *cache.Store
	// Emitter streams progress Signals to the host.
	Emitter *Emitter
	// Logger carries the job identity fields.
	Logger *log.Logger
}

// Config assembles a Service.
type Config struct {
	Transport wire.Transport
	Encoding  wire.Encoding
	Cache     *cache.Store
	Logger    *log.Logger
	// Metrics is optional; a nil collector records nothing.
	Metrics *metrics.Collector
}

// Service drives one module invocation over an established channel.
type Service struct {
	transport wire.Transport
	encoding  wire.Encoding
	cache     *cache.Store
	logger    *log.Logger
	metrics   *metrics.Collector
	handlers  map[string]Handler

	mu    sync.Mutex
	state State
}

// New creates a Service in StateConstructed. Register handlers before
// calling Run.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		transport: cfg.Transport,
		encoding:  cfg.Encoding,
		cache:     cfg.Cache,
		logger:    logger,
		metrics:   cfg.Metrics,
		handlers:  make(map[string]Handler),
	}
}

// Register adds a handler for its method name. Later registrations for
// the same name replace earlier ones.
func (s *Service) Register(h Handler) {
	s.handlers[h.Name()] = h
}

// State reports the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes one invocation: receive the Method, dispatch, send the
// terminal message. A nil return means a Reply was sent. A non-nil
// return is either the job error (an Exception went out in its place)
// or a *wire.TransportError when the channel itself failed; callers map
// those to distinct exit codes.
//
// Cancelling ctx before the Method arrives closes the transport to
// unblock the receive. Cancelling ctx while the handler runs reaches
// the handler through its context; the channel stays open so the
// resulting error can still be delivered as an Exception.
func (s *Service) Run(ctx context.Context) error {
	s.setState(StateAwaitingMethod)
	defer s.setState(StateTerminated)

	stop := context.AfterFunc(ctx, func() { _ = s.transport.Close() })
	raw, err := s.transport.Recv()
	stop()
	if err != nil {
		return err
	}

	env, err := wire.Unpack(s.encoding, raw)
	if err != nil {
		s.metrics.IncDecodeError()
		return s.fail(err)
	}
	if env.Type != types.MessageKindMethod {
		return s.fail(&wire.ProtocolError{
			Msg: fmt.Sprintf("expected method in state %s, got %s", s.State(), env.Type),
		})
	}

	m, err := s.encoding.DecodeMethod(env.Data)
	if err != nil {
		s.metrics.IncDecodeError()
		return s.fail(err)
	}

	handler, ok := s.handlers[m.Name]
	if !ok {
		return s.fail(&wire.ProtocolError{Msg: fmt.Sprintf("no handler for method %q", m.Name)})
	}

	s.setState(StateRunning)
	s.logger.Info("method dispatched", map[string]any{"method": m.Name})

	emitter := NewEmitter(s.transport, s.encoding, s.metrics)
	req := &Request{
		Method:  m,
		Cache:   s.cache,
		Emitter: emitter,
		Logger:  s.logger,
	}

	result, err := runHandler(ctx, handler, req)

	// Terminal message is strictly last: no signal may follow it.
	emitter.Close()

	if err != nil {
		return s.fail(err)
	}

	raw, err = wire.Pack(s.encoding, &types.Reply{Data: result})
	if err != nil {
		return s.fail(err)
	}
	if err := s.transport.Send(raw); err != nil {
		return err
	}

	s.logger.Info("reply sent", map[string]any{"method": m.Name})
	return nil
}

// fail sends cause to the host as an Exception and returns the error
// the process should exit with: cause itself when the Exception was
// delivered, or the send failure when the channel broke under it.
func (s *Service) fail(cause error) error {
	exc := &types.Exception{
		Name:  string(types.KindOf(cause)),
		Value: cause.Error(),
	}
	var pe *panicError
	if errors.As(cause, &pe) {
		exc.Backtrace = string(pe.stack)
	}

	s.logger.Error("job failed", map[string]any{"kind": exc.Name, "error": exc.Value})

	raw, err := wire.Pack(s.encoding, exc)
	if err != nil {
		return cause
	}
	if err := s.transport.Send(raw); err != nil {
		return fmt.Errorf("sending exception for job error (%v): %w", cause, err)
	}
	return cause
}

// runHandler isolates handler panics: the invocation must always end in
// exactly one terminal message, so a panic becomes an Exception-worthy
// error instead of tearing the process down without one.
func runHandler(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h.Run(ctx, req)
}

// panicError carries a recovered handler panic and its stack.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

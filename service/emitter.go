package service

import (
	"errors"
	"sync"

	"github.com/kilnworks/kiln/metrics"
	"github.com/kilnworks/kiln/types"
	"github.com/kilnworks/kiln/wire"
)

// ErrEmitterClosed reports a Signal attempted after the job's terminal
// message was already underway.
var ErrEmitterClosed = errors.New("emitter closed")

// Emitter sends progress Signals while a job runs. It is safe for
// concurrent use by worker goroutines. Closing the emitter before the
// terminal message is sent is what makes the terminal message strictly
// last: Close holds the same lock Emit sends under, so once Close
// returns no signal is in flight and none can start.
type Emitter struct {
	transport wire.Transport
	encoding  wire.Encoding
	metrics   *metrics.Collector

	mu     sync.Mutex
	closed bool
}

// NewEmitter builds an emitter over an established channel. The service
// creates one per dispatched Method; tests and in-process hosts may
// build their own.
func NewEmitter(t wire.Transport, enc wire.Encoding, m *metrics.Collector) *Emitter {
	return &Emitter{transport: t, encoding: enc, metrics: m}
}

// Emit sends one Signal carrying payload. A send failure means the
// channel is gone; callers should abort the job with the returned error.
func (e *Emitter) Emit(payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEmitterClosed
	}

	raw, err := wire.Pack(e.encoding, &types.Signal{Data: payload})
	if err != nil {
		return err
	}
	if err := e.transport.Send(raw); err != nil {
		return err
	}
	e.metrics.IncSignalSent()
	return nil
}

// Close refuses all further signals. Idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

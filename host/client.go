// Package host drives module invocations from the pipeline side: a
// Client speaks the channel protocol over an accepted transport, and a
// Module manages the child process on the other end of it.
package host

import (
	"context"
	"fmt"

	"github.com/kilnworks/kiln/log"
	"github.com/kilnworks/kiln/types"
	"github.com/kilnworks/kiln/wire"
)

// RemoteError is a module Exception surfaced as a host-side error.
type RemoteError struct {
	// Name is the error kind the module declared, e.g. "SchemaError".
	Name string
	// Value is the human-readable description.
	Value string
	// Backtrace is optional module-side diagnostic context.
	Backtrace string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("module error %s: %s", e.Name, e.Value)
}

// SignalFunc receives each decoded Signal payload while a call runs.
// Returning an error aborts the call and closes the channel under the
// module.
type SignalFunc func(v any) error

// Client drives one module invocation over an established channel.
type Client struct {
	transport wire.Transport
	encoding  wire.Encoding
	logger    *log.Logger
}

// NewClient wraps an accepted transport. logger may be nil.
func NewClient(t wire.Transport, enc wire.Encoding, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{transport: t, encoding: enc, logger: logger}
}

// Call sends the Method and consumes the module's message stream until
// the terminal message: Signals go to onSignal (which may be nil), a
// Reply returns its payload, an Exception returns a *RemoteError.
//
// Cancelling ctx closes the transport, which unblocks the receive; the
// module sees the broken channel and exits on its own.
func (c *Client) Call(ctx context.Context, m *types.Method, onSignal SignalFunc) (any, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.transport.Close() })
	defer stop()

	raw, err := wire.Pack(c.encoding, m)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(raw); err != nil {
		return nil, err
	}
	c.logger.Debug("method sent", map[string]any{"method": m.Name})

	for {
		raw, err := c.transport.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		env, err := wire.Unpack(c.encoding, raw)
		if err != nil {
			return nil, err
		}

		switch env.Type {
		case types.MessageKindSignal:
			sig, err := c.encoding.DecodeSignal(env.Data)
			if err != nil {
				return nil, err
			}
			if onSignal == nil {
				continue
			}
			if err := onSignal(sig.Data); err != nil {
				_ = c.transport.Close()
				return nil, fmt.Errorf("signal callback: %w", err)
			}

		case types.MessageKindReply:
			rep, err := c.encoding.DecodeReply(env.Data)
			if err != nil {
				return nil, err
			}
			c.logger.Debug("reply received", map[string]any{"method": m.Name})
			return rep.Data, nil

		case types.MessageKindException:
			exc, err := c.encoding.DecodeException(env.Data)
			if err != nil {
				return nil, err
			}
			c.logger.Debug("exception received", map[string]any{
				"method": m.Name,
				"kind":   exc.Name,
			})
			return nil, &RemoteError{Name: exc.Name, Value: exc.Value, Backtrace: exc.Backtrace}

		default:
			return nil, &wire.ProtocolError{
				Msg: fmt.Sprintf("unexpected %s from module", env.Type),
			}
		}
	}
}

package wire

import (
	"errors"
	"fmt"

	"github.com/kilnworks/kiln/types"
)

// TransportError is a channel-level failure: dial, listen, accept, send,
// receive or close. The channel cannot be trusted after one, so transport
// errors are fatal to the exchange and are never retried at this layer.
type TransportError struct {
	Op  string // "dial", "listen", "accept", "send", "recv", "close"
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *TransportError) Unwrap() error { return e.Err }

// ErrorKind implements types.KindedError.
func (e *TransportError) ErrorKind() types.ErrorKind { return types.ErrorKindTransport }

// IsTransportError reports whether err carries a channel-level failure
// anywhere in its chain. Callers use this to distinguish "the peer reported
// a failure" from "the channel itself broke".
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// DecodeError reports bytes that could not be decoded under an encoding:
// malformed documents, missing required fields, payloads of the wrong
// shape. Decode errors surface as protocol errors to the peer.
type DecodeError struct {
	Encoding string
	Msg      string
	Err      error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s decode: %s: %v", e.Encoding, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s decode: %s", e.Encoding, e.Msg)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorKind implements types.KindedError.
func (e *DecodeError) ErrorKind() types.ErrorKind { return types.ErrorKindProtocol }

// ProtocolError reports a structurally valid message that violates the
// exchange rules: an unknown message kind, a message arriving in the wrong
// state, or a method no handler is registered for.
type ProtocolError struct {
	Msg string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "protocol: " + e.Msg
}

// ErrorKind implements types.KindedError.
func (e *ProtocolError) ErrorKind() types.ErrorKind { return types.ErrorKindProtocol }

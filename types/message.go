// Package types defines the wire-level protocol types shared by the kiln
// host and its source modules.
//
//nolint:revive // types is a common Go package naming convention
package types

// MessageKind is the type discriminant carried by every Envelope.
type MessageKind string

// Message kind constants. The lowercase forms are the canonical wire values.
const (
	MessageKindMethod    MessageKind = "method"
	MessageKindReply     MessageKind = "reply"
	MessageKindSignal    MessageKind = "signal"
	MessageKindException MessageKind = "exception"
)

// IsTerminal returns true if a message of this kind ends the exchange.
// Exactly one terminal message is sent per module invocation.
func (k MessageKind) IsTerminal() bool {
	return k == MessageKindReply || k == MessageKindException
}

// Valid returns true for the four known message kinds. Unknown kinds are
// always a protocol error, never ignored.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindMethod, MessageKindReply, MessageKindSignal, MessageKindException:
		return true
	}
	return false
}

// Envelope is the outer shell of every protocol message. Type names the
// payload kind and Data holds the encoded payload bytes. How the shell
// itself is laid out on the wire belongs to the Encoding in use.
type Envelope struct {
	// Type is the payload kind discriminant.
	Type MessageKind
	// Data is the encoded payload, opaque to the transport.
	Data []byte
}

// Method asks a module to run one job. Exactly one Method is sent per
// module invocation, before any other message.
type Method struct {
	// Name selects the job kind, e.g. "fetch".
	Name string `msgpack:"name" json:"name"`
	// Args carries the job arguments. They are validated against the job's
	// schema before any work starts.
	Args map[string]any `msgpack:"args" json:"args"`
}

// Reply is the successful terminal message of a job.
type Reply struct {
	// Data is the job result payload.
	Data any `msgpack:"reply" json:"reply"`
}

// Signal is a non-terminal progress message. Signal payloads ride under the
// same wire key replies use, so both sides decode them through one path.
type Signal struct {
	// Data is the progress payload.
	Data any `msgpack:"reply" json:"reply"`
}

// Exception is the failing terminal message of a job.
type Exception struct {
	// Name is the error kind, e.g. "ChecksumMismatch" or "ProtocolError".
	Name string `msgpack:"name" json:"name"`
	// Value is a human-readable description.
	Value string `msgpack:"value" json:"value"`
	// Backtrace is optional diagnostic context, empty when unavailable.
	Backtrace string `msgpack:"backtrace" json:"backtrace"`
}

// Error makes an Exception usable as a Go error on the host side.
func (e *Exception) Error() string {
	if e.Backtrace != "" {
		return e.Name + ": " + e.Value + "\n" + e.Backtrace
	}
	return e.Name + ": " + e.Value
}

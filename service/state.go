package service

// State tracks where a module invocation is in its lifecycle. Transitions
// only move forward; Terminated is absorbing.
type State int

const (
	// StateConstructed means the transport is connected and the encoding
	// selected, but no I/O with the peer has happened yet.
	StateConstructed State = iota
	// StateAwaitingMethod means the service is blocked on the one Method
	// that starts the job.
	StateAwaitingMethod
	// StateRunning means the handler is executing; Signals may flow.
	StateRunning
	// StateTerminated means the terminal Reply or Exception was sent (or
	// the channel broke). No further messages are legal.
	StateTerminated
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateAwaitingMethod:
		return "awaiting-method"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

package types

import "errors"

// Module process exit codes. When a module dies without a terminal
// message, its exit status is the only explanation the host gets.
const (
	// ExitOK means a Reply was delivered.
	ExitOK = 0
	// ExitException means the job failed and an Exception was delivered.
	ExitException = 1
	// ExitTransport means the channel itself failed or never came up; no
	// terminal message was possible.
	ExitTransport = 2
)

// JobMeta identifies one module job for logging and correlation. The host
// assigns the job ID and passes it to the module on the command line so
// both sides log under the same identity.
type JobMeta struct {
	// JobID is the host-assigned job identifier.
	JobID string
	// Module is the module name, e.g. "kiln-source-http".
	Module string
}

// Validate checks that the identity fields are present.
func (m *JobMeta) Validate() error {
	if m.JobID == "" {
		return errors.New("job_id must be non-empty")
	}
	if m.Module == "" {
		return errors.New("module must be non-empty")
	}
	return nil
}

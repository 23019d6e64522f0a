// Package notify defines the job-completion notifier boundary.
//
// Notifiers publish fetch-completion events to downstream systems so a
// build pipeline can react once its sources are in the cache. The CLI
// owns notifier lifecycle; users provide configuration only.
package notify

import "context"

// EventTypeFetchCompleted is the event_type value of every event this
// package publishes.
const EventTypeFetchCompleted = "fetch_completed"

// Job outcome values carried by JobCompletedEvent. They mirror the kiln
// fetch exit codes: complete is 0, partial is 1, exception is 2.
const (
	OutcomeComplete  = "complete"
	OutcomePartial   = "partial"
	OutcomeException = "exception"
)

// JobCompletedEvent is the payload published when a fetch job finishes.
type JobCompletedEvent struct {
	EventType  string `json:"event_type"` // always "fetch_completed"
	JobID      string `json:"job_id"`
	Outcome    string `json:"outcome"` // complete, partial, exception
	Fetched    int    `json:"fetched"`
	Cached     int    `json:"cached"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"` // ISO 8601
	// Error describes the job-level failure for exception outcomes.
	Error string `json:"error,omitempty"`
}

// Notifier publishes job completion events to a downstream system.
// Implementations are single-use: one event per job, then Close.
type Notifier interface {
	// Publish sends a job completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobCompletedEvent) error

	// Close releases notifier resources.
	Close() error
}

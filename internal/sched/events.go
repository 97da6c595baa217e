package sched

import (
	"time"

	"shopkeeper/internal/history"
)

// RunEvent is published on run start and finish.
type RunEvent struct {
	RecordID string
	Job      string
	Attempt  int
	Forced   bool
	Outcome  history.Outcome
	Error    string
	Started  time.Time
	Duration time.Duration
}

// SkipEvent is published when an occurrence is recorded as skipped.
type SkipEvent struct {
	Job          string
	ScheduledFor time.Time
	Reason       string
}

// ExhaustedEvent is published when a job runs out of retries. It is the
// operator-visible alert condition for a failing job.
type ExhaustedEvent struct {
	Job                 string
	Attempts            int
	ConsecutiveFailures int
	Error               string
}

// DegradedEvent is published when the history store stops accepting
// writes. Jobs keep running; observability is degraded.
type DegradedEvent struct {
	Op    string
	Error string
}

// InterruptedEvent is published once at startup when records left in
// running state by a previous process were finalized as failed.
type InterruptedEvent struct {
	Count  int
	Reason string
}

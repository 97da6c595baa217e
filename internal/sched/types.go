// Package sched owns the scheduler core: the trigger loop that turns
// schedules into due fires, the guard that admits them, the worker pool
// that runs them, and the retry policy applied to failures.
package sched

import (
	"time"

	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
)

// Config controls the trigger loop and the worker pool.
type Config struct {
	// PollInterval is the trigger loop cadence.
	PollInterval time.Duration

	Workers int

	// MaxConcurrent caps runs in flight across all jobs.
	MaxConcurrent int64

	// GracePeriod bounds how long a timed-out run may hold its slot while
	// the collaborator ignores cancellation.
	GracePeriod time.Duration

	// Location anchors cron schedules. Nil means local time.
	Location *time.Location

	// Manual disables the trigger loop: nothing fires on schedule and
	// runs start only through ForceRun. Used by the one-shot CLI verb.
	Manual bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = int64(c.Workers)
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// fire is one admitted run on its way to the worker pool. The guard slot
// is already held; the worker releases it.
type fire struct {
	def          job.Definition
	attempt      int
	retryOf      string
	scheduledFor time.Time
	forced       bool
	enqueuedAt   time.Time

	// done receives the finished record for force-run waiters.
	done chan history.Record
}

// jobState is the per-job mutable state owned by the trigger loop.
// All access goes through the scheduler mutex.
type jobState struct {
	def job.Definition

	nextFire            time.Time
	lastFire            time.Time
	consecutiveFailures int

	// Pending retry, if any. While set, regular fires are skipped so the
	// retry keeps its place in line.
	retryAt      time.Time
	retryAttempt int
	retryOf      string
}

func (js *jobState) retryPending() bool { return !js.retryAt.IsZero() }

func (js *jobState) clearRetry() {
	js.retryAt = time.Time{}
	js.retryAttempt = 0
	js.retryOf = ""
}

func (js *jobState) persisted() history.ScheduleState {
	return history.ScheduleState{
		JobID:               js.def.ID,
		NextFire:            js.nextFire,
		LastFire:            js.lastFire,
		ConsecutiveFailures: js.consecutiveFailures,
	}
}

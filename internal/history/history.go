// Package history persists run attempts and per-job schedule state.
//
// It currently supports:
//   - Durable appends of run records (one per attempt, finalized once)
//   - Schedule state save/load so a restart resumes without re-firing
//   - Lookback queries and retention pruning for operators
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"shopkeeper/pkg/logx"
)

// Outcome is the lifecycle state of a run record.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeSkipped   Outcome = "skipped"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeTimedOut, OutcomeSkipped:
		return true
	}
	return false
}

// Record is one run attempt of a job.
// Appended when the attempt starts (or when an occurrence is skipped) and
// finalized exactly once via Finish.
type Record struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Attempt      int               `json:"attempt"`
	RetryOf      string            `json:"retry_of,omitempty"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Outcome      Outcome           `json:"outcome"`
	Error        string            `json:"error,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Query filters a lookback over run records. Zero fields match everything.
type Query struct {
	JobID   string
	Since   time.Time
	Outcome Outcome
	Limit   int
}

// ScheduleState is the per-job resume point persisted across restarts.
type ScheduleState struct {
	JobID               string    `json:"job_id"`
	NextFire            time.Time `json:"next_fire"`
	LastFire            time.Time `json:"last_fire"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Store is the persistence API used by the scheduler.
//
// Append must be durable before it returns. Finish writes the terminal
// fields of an existing record and is a no-op if the record was already
// finalized or pruned. Query returns newest-first.
type Store interface {
	Append(ctx context.Context, r Record) error
	Finish(ctx context.Context, r Record) error
	Query(ctx context.Context, q Query) ([]Record, error)

	SaveState(ctx context.Context, st ScheduleState) error
	LoadStates(ctx context.Context) (map[string]ScheduleState, error)

	// CloseInterrupted finalizes records left in running state by a
	// previous process as failed, and returns how many were touched.
	CloseInterrupted(ctx context.Context, at time.Time, reason string) (int, error)

	// Prune removes terminal records older than cutoff, then any beyond
	// the newest keep. A zero cutoff or keep <= 0 disables that horizon.
	Prune(ctx context.Context, cutoff time.Time, keep int) (int, error)

	Close() error
}

// Config configures the history store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl + snapshot)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. History is not optional: the
// scheduler resumes from it, so an unusable store fails startup.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}

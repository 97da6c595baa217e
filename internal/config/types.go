package config

import (
	"encoding/json"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	History   HistoryConfig   `json:"history"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HistoryConfig controls the run history store.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./data/shopkeeper.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the trigger loop and the worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "1s"
//   - workers: 4
//   - max_concurrent: workers
//   - grace_period: "30s"
type SchedulerConfig struct {
	// Timezone for cron schedules, e.g. "Europe/Rome". Empty means local.
	Timezone string `json:"timezone,omitempty"`

	PollInterval string `json:"poll_interval,omitempty"`

	Workers int `json:"workers,omitempty"`

	// MaxConcurrent caps runs in flight across all jobs.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// GracePeriod bounds how long a timed-out run may hold its slot while
	// the collaborator ignores cancellation.
	GracePeriod string `json:"grace_period,omitempty"`
}

// RetentionConfig bounds the run history.
// Records are pruned once older than MaxAge or beyond MaxRecords,
// whichever bites first.
//
// Defaults: max_age "720h", max_records 500, sweep "24h".
type RetentionConfig struct {
	MaxAge     string `json:"max_age,omitempty"`
	MaxRecords int    `json:"max_records,omitempty"`
	Sweep      string `json:"sweep,omitempty"`
}

// AlertsConfig controls the operator alert pipeline (retry exhaustion,
// degraded history store). If the whole section is omitted, alerts only
// reach the log.
type AlertsConfig struct {
	Telegram *TelegramAlerts `json:"telegram,omitempty"`

	RatePerMin  int    `json:"rate_per_min,omitempty"` // default 6
	DedupWindow string `json:"dedup_window,omitempty"` // default "15m"
}

type TelegramAlerts struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// PprofConfig controls the optional pprof/health HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobConfig declares one recurring job.
//
// Schedule accepts either form:
//   - "cron: 0 1 * * *"  (5 or 6 field cron, optional seconds)
//   - "every: 30m"       (Go duration interval)
//
// A bare value is guessed by shape.
//
// Enabled is a pointer so "omitted" defaults to true while an explicit
// false disables the job but keeps it visible to force-runs.
type JobConfig struct {
	ID           string             `json:"id"`
	Schedule     string             `json:"schedule"`
	Collaborator CollaboratorConfig `json:"collaborator"`

	Timeout    string         `json:"timeout,omitempty"` // default "5m"
	MaxRetries int            `json:"max_retries,omitempty"`
	Backoff    *BackoffConfig `json:"backoff,omitempty"`

	Enabled    *bool `json:"enabled,omitempty"`
	RunOnStart bool  `json:"run_on_start,omitempty"`

	ExclusionGroup string `json:"exclusion_group,omitempty"`
}

// BackoffConfig shapes the retry delays of one job.
// Omitted fields fall back to base "30s", multiplier 2, max "15m", jitter 0.
type BackoffConfig struct {
	Base       string  `json:"base,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Max        string  `json:"max,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
}

// CollaboratorConfig selects and configures the unit of work a job runs.
// Config is decoded strictly by the collaborator factory, so typos in
// kind-specific options are caught at startup.
type CollaboratorConfig struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (c JobConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c SchedulerConfig) PollIntervalDuration() (time.Duration, error) {
	return ParseDurationOr("scheduler.poll_interval", c.PollInterval, time.Second)
}

func (c SchedulerConfig) GracePeriodDuration() (time.Duration, error) {
	return ParseDurationOr("scheduler.grace_period", c.GracePeriod, 30*time.Second)
}

func (c SchedulerConfig) WorkerCount() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

func (c SchedulerConfig) ConcurrencyCeiling() int {
	if c.MaxConcurrent <= 0 {
		return c.WorkerCount()
	}
	return c.MaxConcurrent
}

func (c RetentionConfig) MaxAgeDuration() (time.Duration, error) {
	return ParseDurationOr("retention.max_age", c.MaxAge, 720*time.Hour)
}

func (c RetentionConfig) SweepDuration() (time.Duration, error) {
	return ParseDurationOr("retention.sweep", c.Sweep, 24*time.Hour)
}

func (c RetentionConfig) RecordCap() int {
	if c.MaxRecords <= 0 {
		return 500
	}
	return c.MaxRecords
}

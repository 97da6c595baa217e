package job

import (
	"fmt"
	"strings"
	"time"
)

// BackoffPolicy controls the delay between retry attempts.
//
// The delay before retrying attempt n (1-based) is
// Base * Multiplier^(n-1), capped at Max. Jitter (0..1) randomizes the
// delay by ±Jitter when set; the default is fully deterministic.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// DefaultBackoff matches the retry posture used when a job omits its own.
var DefaultBackoff = BackoffPolicy{
	Base:       30 * time.Second,
	Multiplier: 2,
	Max:        15 * time.Minute,
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = DefaultBackoff.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoff.Multiplier
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoff.Max
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// DelayFor returns the delay to wait after failed attempt n before attempt
// n+1, without jitter applied.
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Definition binds a job identifier to its schedule, runner and policies.
// Definitions are built from static configuration at startup and are
// immutable after registration.
type Definition struct {
	ID       string
	Schedule Schedule
	Runner   Runner

	Timeout    time.Duration
	MaxRetries int
	Backoff    BackoffPolicy

	Enabled    bool
	RunOnStart bool

	// ExclusionGroup names a shared resource; jobs in the same group never
	// run concurrently even though they are distinct jobs (backup vs. other
	// writers of the same datastore).
	ExclusionGroup string
}

// Validate reports the first configuration problem, if any.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("job id required")
	}
	if d.Schedule.IsZero() {
		return fmt.Errorf("job %q: schedule required", d.ID)
	}
	if d.Runner == nil {
		return fmt.Errorf("job %q: runner required", d.ID)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("job %q: timeout must be > 0", d.ID)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("job %q: max_retries must be >= 0", d.ID)
	}
	if d.Backoff.Jitter < 0 || d.Backoff.Jitter > 1 {
		return fmt.Errorf("job %q: backoff jitter must be within [0,1]", d.ID)
	}
	return nil
}

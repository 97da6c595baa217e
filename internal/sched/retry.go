package sched

import (
	"context"
	"errors"
	"time"

	"shopkeeper/internal/eventbus"
	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
	"shopkeeper/pkg/logx"
)

// recordResult applies the retry policy to a finished run. It runs before
// the guard slot is released, so the pending-retry state is visible to
// the trigger loop by the time the job could fire again.
func (s *Scheduler) recordResult(f fire, rec history.Record, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.states[f.def.ID]
	if !ok {
		return
	}

	switch rec.Outcome {
	case history.OutcomeSucceeded:
		// Success heals the streak and cancels any pending retry (a forced
		// run can land while one is waiting).
		if js.consecutiveFailures != 0 || js.retryPending() {
			js.consecutiveFailures = 0
			js.clearRetry()
			s.saveStateLocked(js)
		}

	case history.OutcomeFailed, history.OutcomeTimedOut:
		stopping := errors.Is(runErr, context.Canceled)
		retryable := !stopping && !job.IsNoRetry(runErr) && f.attempt <= f.def.MaxRetries
		if retryable {
			delay := s.jitter(f.def.Backoff.DelayFor(f.attempt), f.def.Backoff.Jitter)
			js.retryAt = time.Now().Add(delay)
			js.retryAttempt = f.attempt + 1
			js.retryOf = rec.ID
			s.log.Info("run.retry_scheduled",
				logx.String("job", f.def.ID),
				logx.Int("next_attempt", js.retryAttempt),
				logx.Duration("delay", delay),
			)
			return
		}
		if stopping {
			// Shutdown interrupted the run; the streak is not evidence of a
			// failing job, and retry state does not survive restarts anyway.
			js.clearRetry()
			return
		}

		js.consecutiveFailures++
		js.clearRetry()
		s.saveStateLocked(js)
		s.publish(eventbus.TypeJobExhausted, ExhaustedEvent{
			Job:                 f.def.ID,
			Attempts:            f.attempt,
			ConsecutiveFailures: js.consecutiveFailures,
			Error:               rec.Error,
		})
		s.log.Warn("job.exhausted",
			logx.String("job", f.def.ID),
			logx.Int("attempts", f.attempt),
			logx.Int("consecutive_failures", js.consecutiveFailures),
			logx.String("err", rec.Error),
		)
	}
}

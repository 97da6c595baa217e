package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"shopkeeper/internal/eventbus"
	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
	"shopkeeper/pkg/logx"
)

// maxErrorDetail bounds the error text stored per record.
const maxErrorDetail = 2048

func newRecordID() string { return uuid.NewString() }

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.queue:
			s.execOne(ctx, f)
		}
	}
}

// execOne runs a single admitted fire: durable start record, collaborator
// invocation under timeout, grace-bounded abandonment, finalization, and
// the retry decision. The guard slot is released on every exit path.
func (s *Scheduler) execOne(ctx context.Context, f fire) {
	jobID := f.def.ID
	defer s.guard.Release(jobID)

	start := time.Now()
	rec := history.Record{
		ID:           newRecordID(),
		JobID:        jobID,
		Attempt:      f.attempt,
		RetryOf:      f.retryOf,
		ScheduledFor: f.scheduledFor,
		StartedAt:    start,
		Outcome:      history.OutcomeRunning,
	}
	s.appendRecord(rec)

	s.publish(eventbus.TypeRunStarted, RunEvent{
		RecordID: rec.ID, Job: jobID, Attempt: f.attempt, Forced: f.forced, Started: start,
	})
	s.log.Debug("run.started",
		logx.String("job", jobID),
		logx.String("id", rec.ID),
		logx.Int("attempt", f.attempt),
		logx.Bool("forced", f.forced),
	)

	type runOut struct {
		res job.Result
		err error
	}
	// Buffered so an abandoned collaborator can still deliver and exit.
	resCh := make(chan runOut, 1)
	runCtx, cancel := context.WithTimeout(ctx, f.def.Timeout)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("run.panic",
					logx.String("job", jobID),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				resCh <- runOut{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := f.def.Runner.Run(runCtx)
		resCh <- runOut{res: res, err: err}
	}()

	var (
		out       runOut
		timedWait bool
		abandoned bool
	)
	select {
	case out = <-resCh:
	case <-runCtx.Done():
		// Cancellation is signaled; give the collaborator the grace period
		// to wind down before the slot is taken back.
		timedWait = true
		grace := time.NewTimer(s.cfg.GracePeriod)
		select {
		case out = <-resCh:
			grace.Stop()
		case <-grace.C:
			abandoned = true
		}
	}
	deadline := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	finished := time.Now()
	rec.FinishedAt = finished
	dur := finished.Sub(start)

	var retryErr error
	switch {
	case out.err == nil && !deadline && !abandoned:
		// Includes a clean return during the shutdown grace window.
		rec.Outcome = history.OutcomeSucceeded
	case deadline:
		rec.Outcome = history.OutcomeTimedOut
		if abandoned {
			rec.Error = fmt.Sprintf("timed out after %s; collaborator ignored cancellation for %s, work abandoned", f.def.Timeout, s.cfg.GracePeriod)
		} else {
			rec.Error = fmt.Sprintf("timed out after %s", f.def.Timeout)
		}
		retryErr = errors.New(rec.Error)
	case timedWait:
		// Parent context canceled: shutting down.
		rec.Outcome = history.OutcomeFailed
		rec.Error = "canceled: scheduler stopping"
		if abandoned {
			rec.Error += "; collaborator unresponsive, work abandoned"
		}
		retryErr = context.Canceled
	default:
		rec.Outcome = history.OutcomeFailed
		rec.Error = truncateErr(out.err)
		retryErr = out.err
	}
	if !abandoned {
		rec.Meta = resultMeta(out.res)
	}

	s.finishRecord(rec)
	s.recordResult(f, rec, retryErr)

	ev := RunEvent{
		RecordID: rec.ID, Job: jobID, Attempt: f.attempt, Forced: f.forced,
		Outcome: rec.Outcome, Error: rec.Error, Started: start, Duration: dur,
	}
	s.publish(eventbus.TypeRunFinished, ev)

	switch rec.Outcome {
	case history.OutcomeSucceeded:
		if dur >= 750*time.Millisecond {
			s.log.Info("run.completed", logx.String("job", jobID), logx.Int("attempt", f.attempt), logx.Duration("dur", dur))
		} else {
			s.log.Debug("run.completed", logx.String("job", jobID), logx.Int("attempt", f.attempt), logx.Duration("dur", dur))
		}
	default:
		s.log.Warn("run.failed",
			logx.String("job", jobID),
			logx.String("outcome", string(rec.Outcome)),
			logx.Int("attempt", f.attempt),
			logx.Duration("dur", dur),
			logx.String("err", rec.Error),
		)
	}

	if f.done != nil {
		f.done <- rec
	}
}

// appendRecord makes the start of a run durable. The store gets a short
// bounded retry; if it stays down the run proceeds anyway and the
// degraded condition is surfaced.
func (s *Scheduler) appendRecord(rec history.Record) {
	op := func() error {
		return s.store.Append(context.Background(), rec)
	}
	if err := backoff.Retry(op, storeBackoff()); err != nil {
		s.log.Error("history append failed",
			logx.String("job", rec.JobID), logx.String("id", rec.ID), logx.Any("err", err))
		s.degraded("append", err)
	}
}

// finishRecord finalizes the run's terminal fields exactly once.
func (s *Scheduler) finishRecord(rec history.Record) {
	op := func() error {
		return s.store.Finish(context.Background(), rec)
	}
	if err := backoff.Retry(op, storeBackoff()); err != nil {
		s.log.Error("history finalize failed",
			logx.String("job", rec.JobID), logx.String("id", rec.ID), logx.Any("err", err))
		s.degraded("finish", err)
	}
}

func storeBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 3 * time.Second
	return bo
}

func resultMeta(res job.Result) map[string]string {
	if res.Summary == "" && len(res.Meta) == 0 {
		return nil
	}
	m := make(map[string]string, len(res.Meta)+1)
	for k, v := range res.Meta {
		m[k] = v
	}
	if res.Summary != "" {
		m["summary"] = res.Summary
	}
	return m
}

func truncateErr(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorDetail {
		msg = msg[:maxErrorDetail] + "..."
	}
	return msg
}

package sched

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"shopkeeper/internal/eventbus"
	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
	rtsup "shopkeeper/internal/runtime/supervisor"
	"shopkeeper/pkg/logx"
)

// maxMissedAudit bounds how many missed occurrences are enumerated as
// skipped records after long downtime or a clock jump.
const maxMissedAudit = 500

// Scheduler owns the registry, the per-job schedule state, the guard and
// the worker pool. One trigger loop computes due fires; admitted fires
// run on the pool; results feed the retry policy and the history store.
type Scheduler struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store history.Store
	reg   *job.Registry
	guard *Guard

	mu      sync.Mutex
	states  map[string]*jobState
	order   []string
	queue   chan fire
	sup     *rtsup.Supervisor
	running bool

	// lastObserved detects wall clock regressions; next-fire times only
	// ever move forward.
	lastObserved time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, reg *job.Registry, store history.Store, bus eventbus.Bus, log logx.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		store:  store,
		reg:    reg,
		states: map[string]*jobState{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start finalizes runs orphaned by a previous process, restores schedule
// state and launches the trigger loop and workers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}

	now := time.Now()
	if !s.cfg.Manual {
		// A one-shot invocation must not finalize records a concurrently
		// running daemon still owns.
		if n, err := s.store.CloseInterrupted(ctx, now, "interrupted: scheduler restart"); err != nil {
			return fmt.Errorf("close interrupted runs: %w", err)
		} else if n > 0 {
			s.log.Warn("finalized interrupted runs", logx.Int("count", n))
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeRunsInterrupted,
				Data: InterruptedEvent{Count: n, Reason: "scheduler restart"},
			})
		}
	}

	saved, err := s.store.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("load schedule state: %w", err)
	}

	defs := s.reg.List()
	s.order = s.order[:0]
	for _, d := range defs {
		js := &jobState{def: d}
		if st, ok := saved[d.ID]; ok {
			js.nextFire = st.NextFire
			js.lastFire = st.LastFire
			js.consecutiveFailures = st.ConsecutiveFailures
		}
		switch {
		case d.RunOnStart:
			// Fire on every process start, regardless of saved state.
			js.nextFire = now
		case js.nextFire.IsZero():
			js.nextFire = d.Schedule.Next(now)
		default:
			// A schedule edit may have left the saved next-fire beyond what
			// the current spec would produce; never fire later than a fresh
			// computation.
			if fresh := d.Schedule.Next(now); js.nextFire.After(fresh) {
				js.nextFire = fresh
			}
		}
		s.states[d.ID] = js
		s.order = append(s.order, d.ID)
	}

	s.guard = NewGuard(s.cfg.MaxConcurrent, defs)

	qcap := s.cfg.Workers
	if int(s.cfg.MaxConcurrent) > qcap {
		qcap = int(s.cfg.MaxConcurrent)
	}
	s.queue = make(chan fire, 2*qcap)

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		s.sup.GoRestart(name, func(c context.Context) error {
			return s.worker(c)
		})
	}
	if !s.cfg.Manual {
		s.sup.GoRestart("trigger", func(c context.Context) error {
			return s.triggerLoop(c)
		})
	}

	s.running = true
	s.lastObserved = now
	s.log.Info("scheduler started",
		logx.Int("jobs", len(defs)),
		logx.Int("workers", s.cfg.Workers),
		logx.Int64("max_concurrent", s.cfg.MaxConcurrent),
		logx.String("tz", s.cfg.Location.String()),
	)
	return nil
}

// Stop cancels the trigger loop and waits for in-flight runs up to ctx.
// Runs still executing see their context canceled and are recorded with
// whatever outcome they reach.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sup := s.sup
	s.mu.Unlock()

	start := time.Now()
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("scheduler stop timed out", logx.Any("err", err))
		return
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Scheduler) triggerLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.tick(now)
		}
	}
}

// tick computes due jobs and admits them. State writes happen under the
// scheduler mutex so concurrent result callbacks can't interleave stale
// snapshots into the store.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.lastObserved) {
		if d := s.lastObserved.Sub(now); d > s.cfg.PollInterval {
			s.log.Warn("wall clock moved backward", logx.Duration("by", d))
		}
		// Dueness math self-protects: nothing fires until the clock
		// catches back up to the recorded next-fire times.
	} else {
		s.lastObserved = now
	}

	for _, id := range s.order {
		js := s.states[id]

		if js.retryPending() {
			if now.Before(js.retryAt) {
				continue
			}
			s.admitRetryLocked(js)
			continue
		}

		if !js.def.Enabled {
			continue
		}
		if js.nextFire.IsZero() || now.Before(js.nextFire) {
			continue
		}
		s.admitRegularLocked(js, now)
	}
}

// admitRegularLocked fires one due occurrence. Missed occurrences are
// coalesced: the latest one fires, earlier ones become skipped records.
func (s *Scheduler) admitRegularLocked(js *jobState, now time.Time) {
	occ := []time.Time{js.nextFire}
	next := js.def.Schedule.Next(js.nextFire)
	for !next.After(now) && len(occ) < maxMissedAudit {
		occ = append(occ, next)
		next = js.def.Schedule.Next(next)
	}
	fireAt := occ[len(occ)-1]
	missed := occ[:len(occ)-1]

	adm, detail := s.guard.TryAdmit(js.def.ID)
	switch adm {
	case RejectedCapacity:
		// Defer without advancing; retried next tick once a slot frees.
		return
	case RejectedBusy:
		s.appendSkipLocked(js.def.ID, fireAt, "skipped: "+detail)
		s.advanceLocked(js, now)
		s.saveStateLocked(js)
		return
	}

	for _, mt := range missed {
		s.appendSkipLocked(js.def.ID, mt, "skipped: missed while scheduler unavailable")
	}
	if n := len(missed); n > 0 {
		s.log.Warn("missed occurrences coalesced",
			logx.String("job", js.def.ID), logx.Int("missed", n))
	}

	js.lastFire = now
	s.advanceLocked(js, now)
	s.saveStateLocked(js)

	s.enqueueLocked(fire{
		def:          js.def,
		attempt:      1,
		scheduledFor: fireAt,
		enqueuedAt:   now,
	})
}

// admitRetryLocked hands a due retry to the pool. Admission failures
// leave the retry pending so it keeps its place in line.
func (s *Scheduler) admitRetryLocked(js *jobState) {
	adm, _ := s.guard.TryAdmit(js.def.ID)
	if adm != Admitted {
		return
	}
	f := fire{
		def:          js.def,
		attempt:      js.retryAttempt,
		retryOf:      js.retryOf,
		scheduledFor: js.retryAt,
		enqueuedAt:   time.Now(),
	}
	js.clearRetry()
	s.enqueueLocked(f)
}

// advanceLocked moves next-fire past now. It never moves backward, which
// is what makes clock regressions safe.
func (s *Scheduler) advanceLocked(js *jobState, now time.Time) {
	if next := js.def.Schedule.Next(now); next.After(js.nextFire) {
		js.nextFire = next
	}
}

func (s *Scheduler) enqueueLocked(f fire) {
	select {
	case s.queue <- f:
	default:
		// The queue is sized past the admission ceiling, so this is a bug
		// guard rather than an expected path.
		s.log.Error("fire queue full; releasing slot", logx.String("job", f.def.ID))
		s.guard.Release(f.def.ID)
	}
}

// ForceRun runs a job immediately, bypassing its next-fire wait but not
// the guard or the retry policy. It blocks until the run finishes or ctx
// is done; the run itself is not canceled by ctx expiry here.
func (s *Scheduler) ForceRun(ctx context.Context, id string) (history.Record, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return history.Record{}, ErrStopped
	}
	js, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return history.Record{}, fmt.Errorf("%w: %s", job.ErrUnknownJob, id)
	}

	adm, detail := s.guard.TryAdmit(id)
	switch adm {
	case RejectedBusy:
		s.mu.Unlock()
		return history.Record{}, fmt.Errorf("%w: %s", ErrBusy, detail)
	case RejectedCapacity:
		s.mu.Unlock()
		return history.Record{}, ErrCapacity
	}

	done := make(chan history.Record, 1)
	f := fire{
		def:          js.def,
		attempt:      1,
		scheduledFor: time.Now(),
		forced:       true,
		enqueuedAt:   time.Now(),
		done:         done,
	}
	s.enqueueLocked(f)
	s.mu.Unlock()

	select {
	case rec := <-done:
		return rec, nil
	case <-ctx.Done():
		return history.Record{}, ctx.Err()
	}
}

// appendSkipLocked writes a terminal skipped record. Single attempt: an
// audit line is not worth stalling the trigger loop over.
func (s *Scheduler) appendSkipLocked(jobID string, at time.Time, reason string) {
	now := time.Now()
	rec := history.Record{
		ID:           newRecordID(),
		JobID:        jobID,
		Attempt:      1,
		ScheduledFor: at,
		StartedAt:    now,
		FinishedAt:   now,
		Outcome:      history.OutcomeSkipped,
		Error:        reason,
	}
	if err := s.store.Append(context.Background(), rec); err != nil {
		s.log.Error("skip record append failed", logx.String("job", jobID), logx.Any("err", err))
		s.degraded("append", err)
	}
	s.publish(eventbus.TypeRunSkipped, SkipEvent{Job: jobID, ScheduledFor: at, Reason: reason})
	s.log.Debug("run.skipped", logx.String("job", jobID), logx.String("reason", reason))
}

func (s *Scheduler) saveStateLocked(js *jobState) {
	if err := s.store.SaveState(context.Background(), js.persisted()); err != nil {
		s.log.Error("schedule state save failed", logx.String("job", js.def.ID), logx.Any("err", err))
		s.degraded("save_state", err)
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Scheduler) degraded(op string, err error) {
	s.publish(eventbus.TypeStoreDegraded, DegradedEvent{Op: op, Error: err.Error()})
}

func (s *Scheduler) jitter(d time.Duration, j float64) time.Duration {
	if j <= 0 || d <= 0 {
		return d
	}
	s.rngMu.Lock()
	r := (s.rng.Float64()*2 - 1) * j
	s.rngMu.Unlock()
	out := time.Duration(float64(d) * (1 + r))
	if out < 0 {
		out = 0
	}
	return out
}

package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shopkeeper/internal/eventbus"
	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
	"shopkeeper/pkg/logx"
)

// memStore is an in-memory history.Store for scheduler tests.
type memStore struct {
	mu     sync.Mutex
	order  []string
	recs   map[string]history.Record
	states map[string]history.ScheduleState
}

func newMemStore() *memStore {
	return &memStore{
		recs:   map[string]history.Record{},
		states: map[string]history.ScheduleState{},
	}
}

func (m *memStore) Append(_ context.Context, r history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.recs[r.ID] = r
	return nil
}

func (m *memStore) Finish(_ context.Context, r history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[r.ID]
	if !ok || cur.Outcome.Terminal() {
		return nil
	}
	cur.FinishedAt = r.FinishedAt
	cur.Outcome = r.Outcome
	cur.Error = r.Error
	cur.Meta = r.Meta
	m.recs[r.ID] = cur
	return nil
}

func (m *memStore) Query(_ context.Context, q history.Query) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Record
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.recs[m.order[i]]
		if q.JobID != "" && r.JobID != q.JobID {
			continue
		}
		if q.Outcome != "" && r.Outcome != q.Outcome {
			continue
		}
		if !q.Since.IsZero() && r.StartedAt.Before(q.Since) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) SaveState(_ context.Context, st history.ScheduleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.JobID] = st
	return nil
}

func (m *memStore) LoadStates(context.Context) (map[string]history.ScheduleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]history.ScheduleState, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) CloseInterrupted(_ context.Context, at time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.recs {
		if r.Outcome == history.OutcomeRunning {
			r.Outcome = history.OutcomeFailed
			r.Error = reason
			r.FinishedAt = at
			m.recs[id] = r
			n++
		}
	}
	return n, nil
}

func (m *memStore) Prune(context.Context, time.Time, int) (int, error) { return 0, nil }
func (m *memStore) Close() error                                       { return nil }

func (m *memStore) jobRecords(jobID string) []history.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Record
	for _, id := range m.order {
		if r := m.recs[id]; r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) count(jobID string, o history.Outcome) int {
	n := 0
	for _, r := range m.jobRecords(jobID) {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

func (m *memStore) state(jobID string) (history.ScheduleState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[jobID]
	return st, ok
}

func testDef(t *testing.T, id, schedule string, r job.Runner, muts ...func(*job.Definition)) job.Definition {
	t.Helper()
	sch, err := job.ParseSchedule(schedule, time.UTC)
	if err != nil {
		t.Fatalf("parse schedule %q: %v", schedule, err)
	}
	d := job.Definition{
		ID:       id,
		Schedule: sch,
		Runner:   r,
		Timeout:  5 * time.Second,
		Enabled:  true,
		Backoff:  job.BackoffPolicy{Base: 5 * time.Millisecond, Multiplier: 1, Max: 5 * time.Millisecond},
	}
	for _, m := range muts {
		m(&d)
	}
	return d
}

func startSched(t *testing.T, cfg Config, store history.Store, bus eventbus.Bus, defs ...job.Definition) *Scheduler {
	t.Helper()
	reg := job.NewRegistry()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 100 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := New(cfg, reg, store, bus, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func countingRunner(n *atomic.Int32) job.Func {
	return func(context.Context) (job.Result, error) {
		n.Add(1)
		return job.Result{Summary: "ok"}, nil
	}
}

func failingRunner(n *atomic.Int32, err error) job.Func {
	return func(context.Context) (job.Result, error) {
		n.Add(1)
		return job.Result{}, err
	}
}

// blockingRunner waits for release (nil blocks forever) and honors ctx.
func blockingRunner(release <-chan struct{}) job.Func {
	return func(ctx context.Context) (job.Result, error) {
		select {
		case <-release:
			return job.Result{Summary: "released"}, nil
		case <-ctx.Done():
			return job.Result{}, ctx.Err()
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", typ, timeout)
		}
	}
}

func jobStatus(t *testing.T, s *Scheduler, id string) JobStatus {
	t.Helper()
	for _, js := range s.Snapshot().Jobs {
		if js.ID == id {
			return js
		}
	}
	t.Fatalf("job %s not in snapshot", id)
	return JobStatus{}
}

func TestSchedulerRunOnStartFires(t *testing.T) {
	store := newMemStore()
	var runs atomic.Int32
	def := testDef(t, "greeter", "every: 1h", countingRunner(&runs), func(d *job.Definition) {
		d.RunOnStart = true
	})

	s := startSched(t, Config{}, store, eventbus.New(), def)

	waitFor(t, 2*time.Second, "first run", func() bool {
		return store.count("greeter", history.OutcomeSucceeded) == 1
	})
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	recs := store.jobRecords("greeter")
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Attempt != 1 || rec.RetryOf != "" {
		t.Fatalf("record = %+v, want a plain first attempt", rec)
	}
	if rec.FinishedAt.IsZero() || rec.Meta["summary"] != "ok" {
		t.Fatalf("record = %+v, want finalized with summary", rec)
	}

	st, ok := store.state("greeter")
	if !ok {
		t.Fatal("schedule state not saved")
	}
	if st.LastFire.IsZero() || !st.NextFire.After(time.Now()) {
		t.Fatalf("state = %+v, want advanced next fire", st)
	}

	snap := s.Snapshot()
	if !snap.Running || snap.Workers != 2 || len(snap.Jobs) != 1 || snap.QueueCap == 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSchedulerIntervalRefires(t *testing.T) {
	store := newMemStore()
	var runs atomic.Int32
	def := testDef(t, "pulse", "every: 50ms", countingRunner(&runs))

	startSched(t, Config{}, store, eventbus.New(), def)

	waitFor(t, 3*time.Second, "three runs", func() bool {
		return store.count("pulse", history.OutcomeSucceeded) >= 3
	})
	if got := store.count("pulse", history.OutcomeSkipped); got != 0 {
		t.Fatalf("skipped = %d, want 0", got)
	}
}

func TestSchedulerDisabledJobOnlyForceRuns(t *testing.T) {
	store := newMemStore()
	var runs atomic.Int32
	def := testDef(t, "dormant", "every: 20ms", countingRunner(&runs), func(d *job.Definition) {
		d.Enabled = false
		d.RunOnStart = true
	})

	s := startSched(t, Config{}, store, eventbus.New(), def)

	time.Sleep(120 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("disabled job ran %d times", got)
	}
	if got := len(store.jobRecords("dormant")); got != 0 {
		t.Fatalf("records = %d, want none", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.ForceRun(ctx, "dormant")
	if err != nil {
		t.Fatalf("force run: %v", err)
	}
	if rec.Outcome != history.OutcomeSucceeded || runs.Load() != 1 {
		t.Fatalf("forced run = %+v (runs %d), want one success", rec, runs.Load())
	}
}

func TestSchedulerBusyWritesSkipRecord(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	release := make(chan struct{})
	def := testDef(t, "crawler", "every: 25ms", blockingRunner(release), func(d *job.Definition) {
		d.RunOnStart = true
	})

	startSched(t, Config{}, store, bus, def)

	ev := waitEvent(t, ch, eventbus.TypeRunSkipped, 2*time.Second)
	skip, ok := ev.Data.(SkipEvent)
	if !ok {
		t.Fatalf("event data = %T", ev.Data)
	}
	if skip.Job != "crawler" || !strings.Contains(skip.Reason, "previous run still in progress") {
		t.Fatalf("skip event = %+v", skip)
	}

	waitFor(t, 2*time.Second, "skip record", func() bool {
		return store.count("crawler", history.OutcomeSkipped) >= 1
	})
	var skipRec history.Record
	for _, r := range store.jobRecords("crawler") {
		if r.Outcome == history.OutcomeSkipped {
			skipRec = r
			break
		}
	}
	if !strings.Contains(skipRec.Error, "skipped: previous run still in progress") {
		t.Fatalf("skip record error = %q", skipRec.Error)
	}
	if skipRec.FinishedAt.IsZero() || !skipRec.Outcome.Terminal() {
		t.Fatalf("skip record = %+v, want terminal", skipRec)
	}

	close(release)
	waitFor(t, 2*time.Second, "blocked run to finish", func() bool {
		return store.count("crawler", history.OutcomeSucceeded) >= 1
	})
}

func TestSchedulerCapacityDefersWithoutSkip(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	hog := testDef(t, "hog", "every: 1h", blockingRunner(release), func(d *job.Definition) {
		d.RunOnStart = true
	})
	var waits atomic.Int32
	waiter := testDef(t, "waiter", "every: 1h", countingRunner(&waits), func(d *job.Definition) {
		d.RunOnStart = true
	})

	startSched(t, Config{MaxConcurrent: 1}, store, eventbus.New(), hog, waiter)

	waitFor(t, 2*time.Second, "hog to start", func() bool {
		return store.count("hog", history.OutcomeRunning) == 1
	})

	// The waiter is due but the ceiling is taken: it must wait, not skip.
	time.Sleep(100 * time.Millisecond)
	if got := len(store.jobRecords("waiter")); got != 0 {
		t.Fatalf("waiter records while deferred = %d, want 0", got)
	}

	close(release)
	waitFor(t, 2*time.Second, "waiter to run", func() bool {
		return store.count("waiter", history.OutcomeSucceeded) == 1
	})
	if got := store.count("waiter", history.OutcomeSkipped); got != 0 {
		t.Fatalf("waiter skips = %d, want 0", got)
	}
	if got := store.count("hog", history.OutcomeSucceeded); got != 1 {
		t.Fatalf("hog successes = %d, want 1", got)
	}
}

func TestSchedulerExclusionGroupBusySkip(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	writer := testDef(t, "writer", "every: 1h", blockingRunner(release), func(d *job.Definition) {
		d.RunOnStart = true
		d.ExclusionGroup = "db"
	})
	var reads atomic.Int32
	reporter := testDef(t, "reporter", "every: 25ms", countingRunner(&reads), func(d *job.Definition) {
		d.ExclusionGroup = "db"
	})

	startSched(t, Config{}, store, eventbus.New(), writer, reporter)

	waitFor(t, 2*time.Second, "reporter skip", func() bool {
		return store.count("reporter", history.OutcomeSkipped) >= 1
	})
	var skipRec history.Record
	for _, r := range store.jobRecords("reporter") {
		if r.Outcome == history.OutcomeSkipped {
			skipRec = r
			break
		}
	}
	if !strings.Contains(skipRec.Error, "exclusion group db held by writer") {
		t.Fatalf("skip reason = %q", skipRec.Error)
	}

	close(release)
	waitFor(t, 2*time.Second, "reporter to run", func() bool {
		return store.count("reporter", history.OutcomeSucceeded) >= 1
	})
	if got := store.count("writer", history.OutcomeSucceeded); got != 1 {
		t.Fatalf("writer successes = %d, want 1", got)
	}
}

func TestSchedulerCoalescesMissedOccurrences(t *testing.T) {
	store := newMemStore()
	base := time.Now().Add(-(3*time.Hour + 30*time.Minute))
	if err := store.SaveState(context.Background(), history.ScheduleState{
		JobID:    "pulse",
		NextFire: base,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var runs atomic.Int32
	def := testDef(t, "pulse", "every: 1h", countingRunner(&runs))

	startSched(t, Config{}, store, eventbus.New(), def)

	waitFor(t, 2*time.Second, "coalesced catch-up", func() bool {
		return store.count("pulse", history.OutcomeSucceeded) == 1 &&
			store.count("pulse", history.OutcomeSkipped) == 3
	})
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want only the latest occurrence", got)
	}

	var skips, ran []history.Record
	for _, r := range store.jobRecords("pulse") {
		if r.Outcome == history.OutcomeSkipped {
			skips = append(skips, r)
		} else {
			ran = append(ran, r)
		}
	}
	for i, want := range []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)} {
		if !skips[i].ScheduledFor.Equal(want) {
			t.Fatalf("skip[%d] scheduled for %v, want %v", i, skips[i].ScheduledFor, want)
		}
		if skips[i].Error != "skipped: missed while scheduler unavailable" {
			t.Fatalf("skip[%d] reason = %q", i, skips[i].Error)
		}
	}
	if len(ran) != 1 || !ran[0].ScheduledFor.Equal(base.Add(3*time.Hour)) {
		t.Fatalf("ran = %+v, want the latest missed occurrence", ran)
	}

	st, _ := store.state("pulse")
	if !st.NextFire.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("next fire = %v, want pushed past catch-up", st.NextFire)
	}
}

func TestSchedulerPendingRetryBlocksRegularFires(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	def := testDef(t, "flaky", "every: 25ms", failingRunner(&calls, errors.New("boom")), func(d *job.Definition) {
		d.RunOnStart = true
		d.MaxRetries = 3
		d.Backoff = job.BackoffPolicy{Base: 300 * time.Millisecond, Multiplier: 1, Max: 300 * time.Millisecond}
	})

	startSched(t, Config{}, store, eventbus.New(), def)

	waitFor(t, 2*time.Second, "first failure", func() bool {
		return store.count("flaky", history.OutcomeFailed) == 1
	})

	// While the retry is pending, due occurrences are deferred silently.
	time.Sleep(150 * time.Millisecond)
	recs := store.jobRecords("flaky")
	if len(recs) != 1 {
		t.Fatalf("records during backoff = %d, want 1", len(recs))
	}
	if got := store.count("flaky", history.OutcomeSkipped); got != 0 {
		t.Fatalf("skips during backoff = %d, want 0", got)
	}

	waitFor(t, 2*time.Second, "retry attempt", func() bool {
		return calls.Load() >= 2
	})
	waitFor(t, 2*time.Second, "retry record", func() bool {
		return len(store.jobRecords("flaky")) >= 2
	})
	second := store.jobRecords("flaky")[1]
	if second.Attempt != 2 || second.RetryOf != recs[0].ID {
		t.Fatalf("second record = %+v, want attempt 2 chained to %s", second, recs[0].ID)
	}
}

func TestSchedulerRestoredStateRespectsFreshSchedule(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	seeded := history.ScheduleState{
		JobID:               "report",
		NextFire:            now.Add(10 * time.Hour),
		LastFire:            now.Add(-2 * time.Hour),
		ConsecutiveFailures: 4,
	}
	if err := store.SaveState(context.Background(), seeded); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var runs atomic.Int32
	def := testDef(t, "report", "every: 1h", countingRunner(&runs))

	s := startSched(t, Config{}, store, eventbus.New(), def)

	js := jobStatus(t, s, "report")
	if js.ConsecutiveFailures != 4 {
		t.Fatalf("streak = %d, want restored 4", js.ConsecutiveFailures)
	}
	if !js.LastFire.Equal(seeded.LastFire) {
		t.Fatalf("last fire = %v, want restored %v", js.LastFire, seeded.LastFire)
	}
	// A stale far-future next fire is capped at what the schedule produces now.
	if js.NextFire.After(now.Add(2 * time.Hour)) {
		t.Fatalf("next fire = %v, want capped near now+1h", js.NextFire)
	}

	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("runs = %d, want none before next fire", got)
	}
}

func TestSchedulerStartFinalizesInterruptedRuns(t *testing.T) {
	store := newMemStore()
	orphan := history.Record{
		ID:        "orphan-1",
		JobID:     "task",
		Attempt:   1,
		StartedAt: time.Now().Add(-time.Minute),
		Outcome:   history.OutcomeRunning,
	}
	if err := store.Append(context.Background(), orphan); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	var runs atomic.Int32
	def := testDef(t, "task", "every: 1h", countingRunner(&runs))

	startSched(t, Config{}, store, bus, def)

	got := store.jobRecords("task")[0]
	if got.Outcome != history.OutcomeFailed || !strings.Contains(got.Error, "interrupted") {
		t.Fatalf("orphan = %+v, want finalized as interrupted failure", got)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("finalized orphan must carry a finish time")
	}

	ev := waitEvent(t, ch, eventbus.TypeRunsInterrupted, 2*time.Second)
	d, ok := ev.Data.(InterruptedEvent)
	if !ok || d.Count != 1 {
		t.Fatalf("event = %+v, want interrupted count 1", ev)
	}
}

func TestSchedulerManualModeOnlyForceRuns(t *testing.T) {
	store := newMemStore()
	orphan := history.Record{
		ID:        "orphan-1",
		JobID:     "other",
		Attempt:   1,
		StartedAt: time.Now().Add(-time.Minute),
		Outcome:   history.OutcomeRunning,
	}
	if err := store.Append(context.Background(), orphan); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	var runs atomic.Int32
	def := testDef(t, "task", "every: 20ms", countingRunner(&runs), func(d *job.Definition) {
		d.RunOnStart = true
	})

	s := startSched(t, Config{Manual: true}, store, eventbus.New(), def)

	time.Sleep(120 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("manual mode fired %d scheduled runs", got)
	}

	// Records owned by a possibly still-running daemon stay untouched.
	if got := store.jobRecords("other")[0]; got.Outcome != history.OutcomeRunning {
		t.Fatalf("orphan outcome = %s, want left running", got.Outcome)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.ForceRun(ctx, "task")
	if err != nil {
		t.Fatalf("force run: %v", err)
	}
	if rec.Outcome != history.OutcomeSucceeded || runs.Load() != 1 {
		t.Fatalf("forced run = %+v (runs %d)", rec, runs.Load())
	}
}

func TestSchedulerStopCancelsInFlight(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	def := testDef(t, "slow", "every: 1h", blockingRunner(nil), func(d *job.Definition) {
		d.RunOnStart = true
	})

	s := startSched(t, Config{}, store, bus, def)
	waitEvent(t, ch, eventbus.TypeRunStarted, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	recs := store.jobRecords("slow")
	if len(recs) != 1 || recs[0].Outcome != history.OutcomeFailed {
		t.Fatalf("records = %+v, want one failed run", recs)
	}
	if recs[0].FinishedAt.IsZero() {
		t.Fatal("canceled run must be finalized")
	}

	// A shutdown cancellation is not evidence of a failing job.
	if st, ok := store.state("slow"); !ok || st.ConsecutiveFailures != 0 {
		t.Fatalf("state = %+v, want zero failure streak", st)
	}
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.TypeJobExhausted {
				t.Fatal("shutdown cancellation must not raise an exhaustion alert")
			}
		default:
			break drain
		}
	}

	if _, err := s.ForceRun(ctx, "slow"); !errors.Is(err, ErrStopped) {
		t.Fatalf("force run after stop = %v, want ErrStopped", err)
	}
}

func TestSchedulerForceRunSemantics(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	hog := testDef(t, "hog", "every: 1h", blockingRunner(release), func(d *job.Definition) {
		d.RunOnStart = true
	})
	var runs atomic.Int32
	idle := testDef(t, "idle", "every: 1h", countingRunner(&runs))

	s := startSched(t, Config{}, store, eventbus.New(), hog, idle)

	waitFor(t, 2*time.Second, "hog to start", func() bool {
		return store.count("hog", history.OutcomeRunning) == 1
	})
	before := jobStatus(t, s, "idle")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := s.ForceRun(ctx, "idle")
	if err != nil {
		t.Fatalf("force run: %v", err)
	}
	if rec.Outcome != history.OutcomeSucceeded || rec.Attempt != 1 || rec.Meta["summary"] != "ok" {
		t.Fatalf("forced record = %+v", rec)
	}

	if _, err := s.ForceRun(ctx, "nope"); !errors.Is(err, job.ErrUnknownJob) {
		t.Fatalf("unknown job err = %v", err)
	}
	if _, err := s.ForceRun(ctx, "hog"); !errors.Is(err, ErrBusy) {
		t.Fatalf("busy err = %v", err)
	}

	// Forced runs leave the schedule alone.
	after := jobStatus(t, s, "idle")
	if !after.NextFire.Equal(before.NextFire) {
		t.Fatalf("next fire moved %v -> %v", before.NextFire, after.NextFire)
	}
	if !after.LastFire.IsZero() {
		t.Fatalf("last fire = %v, want untouched zero", after.LastFire)
	}
}

func TestSchedulerForceRunAtCapacity(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	hog := testDef(t, "hog", "every: 1h", blockingRunner(release), func(d *job.Definition) {
		d.RunOnStart = true
	})
	var runs atomic.Int32
	idle := testDef(t, "idle", "every: 1h", countingRunner(&runs))

	s := startSched(t, Config{MaxConcurrent: 1}, store, eventbus.New(), hog, idle)

	waitFor(t, 2*time.Second, "hog to start", func() bool {
		return store.count("hog", history.OutcomeRunning) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.ForceRun(ctx, "idle"); !errors.Is(err, ErrCapacity) {
		t.Fatalf("force run at capacity = %v, want ErrCapacity", err)
	}

	close(release)
	waitFor(t, 2*time.Second, "hog to finish", func() bool {
		return store.count("hog", history.OutcomeSucceeded) == 1
	})
}

package sched

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"shopkeeper/internal/eventbus"
	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
)

func TestRetrySequenceRecovers(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	var calls atomic.Int32
	r := job.Func(func(context.Context) (job.Result, error) {
		if calls.Add(1) < 3 {
			return job.Result{}, errors.New("transient failure")
		}
		return job.Result{Summary: "recovered"}, nil
	})
	def := testDef(t, "syncer", "every: 1h", r, func(d *job.Definition) {
		d.RunOnStart = true
		d.MaxRetries = 2
	})

	startSched(t, Config{}, store, bus, def)

	waitFor(t, 2*time.Second, "recovery", func() bool {
		return store.count("syncer", history.OutcomeSucceeded) == 1
	})

	recs := store.jobRecords("syncer")
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3 attempts", len(recs))
	}
	for i, want := range []history.Outcome{history.OutcomeFailed, history.OutcomeFailed, history.OutcomeSucceeded} {
		if recs[i].Attempt != i+1 || recs[i].Outcome != want {
			t.Fatalf("record[%d] = %+v, want attempt %d %s", i, recs[i], i+1, want)
		}
	}
	if recs[0].RetryOf != "" || recs[1].RetryOf != recs[0].ID || recs[2].RetryOf != recs[1].ID {
		t.Fatalf("retry chain broken: %q <- %q <- %q", recs[0].RetryOf, recs[1].RetryOf, recs[2].RetryOf)
	}

	if st, _ := store.state("syncer"); st.ConsecutiveFailures != 0 {
		t.Fatalf("streak = %d, want healed by success", st.ConsecutiveFailures)
	}
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.TypeJobExhausted {
				t.Fatal("recovered job must not be reported exhausted")
			}
		default:
			break drain
		}
	}
}

func TestRetryExhaustionPublishesAlert(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	var calls atomic.Int32
	def := testDef(t, "doomed", "every: 30ms", failingRunner(&calls, errors.New("db unreachable")), func(d *job.Definition) {
		d.RunOnStart = true
		d.MaxRetries = 1
	})

	startSched(t, Config{}, store, bus, def)

	ev := waitEvent(t, ch, eventbus.TypeJobExhausted, 2*time.Second)
	ex, ok := ev.Data.(ExhaustedEvent)
	if !ok {
		t.Fatalf("event data = %T", ev.Data)
	}
	if ex.Job != "doomed" || ex.Attempts != 2 || ex.ConsecutiveFailures != 1 {
		t.Fatalf("first exhaustion = %+v", ex)
	}
	if !strings.Contains(ex.Error, "db unreachable") {
		t.Fatalf("exhaustion error = %q", ex.Error)
	}

	// The schedule keeps firing after exhaustion and the streak grows.
	ev = waitEvent(t, ch, eventbus.TypeJobExhausted, 2*time.Second)
	ex = ev.Data.(ExhaustedEvent)
	if ex.Attempts != 2 || ex.ConsecutiveFailures != 2 {
		t.Fatalf("second exhaustion = %+v", ex)
	}
	if st, _ := store.state("doomed"); st.ConsecutiveFailures < 2 {
		t.Fatalf("persisted streak = %d, want >= 2", st.ConsecutiveFailures)
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	var calls atomic.Int32
	r := job.Func(func(context.Context) (job.Result, error) {
		calls.Add(1)
		return job.Result{}, job.NoRetry(errors.New("bad credentials"))
	})
	def := testDef(t, "poster", "every: 1h", r, func(d *job.Definition) {
		d.RunOnStart = true
		d.MaxRetries = 3
	})

	startSched(t, Config{}, store, bus, def)

	ev := waitEvent(t, ch, eventbus.TypeJobExhausted, 2*time.Second)
	ex := ev.Data.(ExhaustedEvent)
	if ex.Attempts != 1 {
		t.Fatalf("attempts = %d, want no retries for a permanent failure", ex.Attempts)
	}

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	recs := store.jobRecords("poster")
	if len(recs) != 1 || recs[0].Outcome != history.OutcomeFailed {
		t.Fatalf("records = %+v, want one failed run", recs)
	}
	if !strings.Contains(recs[0].Error, "bad credentials") {
		t.Fatalf("record error = %q", recs[0].Error)
	}
	if st, _ := store.state("poster"); st.ConsecutiveFailures != 1 {
		t.Fatalf("streak = %d, want 1", st.ConsecutiveFailures)
	}
}

func TestTimeoutMarksRunTimedOut(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	def := testDef(t, "laggard", "every: 1h", blockingRunner(nil), func(d *job.Definition) {
		d.RunOnStart = true
		d.Timeout = 30 * time.Millisecond
	})

	startSched(t, Config{}, store, bus, def)

	waitFor(t, 2*time.Second, "timed out run", func() bool {
		return store.count("laggard", history.OutcomeTimedOut) == 1
	})
	recs := store.jobRecords("laggard")
	if !strings.Contains(recs[0].Error, "timed out after 30ms") {
		t.Fatalf("record error = %q", recs[0].Error)
	}

	ev := waitEvent(t, ch, eventbus.TypeJobExhausted, 2*time.Second)
	if ex := ev.Data.(ExhaustedEvent); ex.Attempts != 1 {
		t.Fatalf("exhaustion = %+v", ex)
	}
	if st, _ := store.state("laggard"); st.ConsecutiveFailures != 1 {
		t.Fatalf("streak = %d, want 1", st.ConsecutiveFailures)
	}
}

func TestTimeoutAbandonsUnresponsiveRun(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stubborn := job.Func(func(context.Context) (job.Result, error) {
		// Ignores cancellation on purpose.
		<-release
		return job.Result{Summary: "late"}, nil
	})
	def := testDef(t, "stubborn", "every: 1h", stubborn, func(d *job.Definition) {
		d.RunOnStart = true
		d.Timeout = 20 * time.Millisecond
	})

	startSched(t, Config{GracePeriod: 40 * time.Millisecond}, store, eventbus.New(), def)

	waitFor(t, 2*time.Second, "abandoned run", func() bool {
		return store.count("stubborn", history.OutcomeTimedOut) == 1
	})
	rec := store.jobRecords("stubborn")[0]
	if !strings.Contains(rec.Error, "ignored cancellation") || !strings.Contains(rec.Error, "abandoned") {
		t.Fatalf("record error = %q", rec.Error)
	}
	if rec.Meta != nil {
		t.Fatalf("meta = %+v, want none from an abandoned run", rec.Meta)
	}
}

func TestForcedRunFailureEntersRetryPath(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	r := job.Func(func(context.Context) (job.Result, error) {
		if calls.Add(1) == 1 {
			return job.Result{}, errors.New("flaky remote")
		}
		return job.Result{Summary: "sent"}, nil
	})
	def := testDef(t, "mailer", "every: 1h", r, func(d *job.Definition) {
		d.MaxRetries = 1
	})

	s := startSched(t, Config{}, store, eventbus.New(), def)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.ForceRun(ctx, "mailer")
	if err != nil {
		t.Fatalf("force run: %v", err)
	}
	if rec.Outcome != history.OutcomeFailed {
		t.Fatalf("forced outcome = %s, want failed", rec.Outcome)
	}

	// The retry rides the trigger loop even though the failure was forced.
	waitFor(t, 2*time.Second, "retry to succeed", func() bool {
		return store.count("mailer", history.OutcomeSucceeded) == 1
	})
	recs := store.jobRecords("mailer")
	if len(recs) != 2 || recs[1].Attempt != 2 || recs[1].RetryOf != rec.ID {
		t.Fatalf("records = %+v, want retry chained to forced run", recs)
	}
}

func TestForcedSuccessHealsFailureStreak(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	if err := store.SaveState(context.Background(), history.ScheduleState{
		JobID:               "healer",
		NextFire:            now.Add(time.Hour),
		ConsecutiveFailures: 3,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var runs atomic.Int32
	def := testDef(t, "healer", "every: 1h", countingRunner(&runs))

	s := startSched(t, Config{}, store, eventbus.New(), def)

	if js := jobStatus(t, s, "healer"); js.ConsecutiveFailures != 3 {
		t.Fatalf("restored streak = %d, want 3", js.ConsecutiveFailures)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.ForceRun(ctx, "healer")
	if err != nil || rec.Outcome != history.OutcomeSucceeded {
		t.Fatalf("force run = %+v, %v", rec, err)
	}

	if st, _ := store.state("healer"); st.ConsecutiveFailures != 0 {
		t.Fatalf("persisted streak = %d, want reset", st.ConsecutiveFailures)
	}
	if js := jobStatus(t, s, "healer"); js.ConsecutiveFailures != 0 {
		t.Fatalf("live streak = %d, want reset", js.ConsecutiveFailures)
	}
}

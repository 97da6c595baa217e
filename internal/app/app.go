// Package app wires configuration, logging, the history store, the job
// registry and the scheduler into one runnable unit, and carries the
// satellite services around them: alerts, retention and the debug server.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"shopkeeper/internal/collab"
	"shopkeeper/internal/config"
	"shopkeeper/internal/eventbus"
	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
	"shopkeeper/internal/notify"
	"shopkeeper/internal/observability/pprof"
	rtsup "shopkeeper/internal/runtime/supervisor"
	"shopkeeper/internal/sched"
	"shopkeeper/pkg/logx"
)

type App struct {
	cfgPath string
	manual  bool

	cfgm *config.Manager
	logs *logx.Service
	base logx.Logger
	log  logx.Logger

	store  history.Store
	bus    eventbus.Bus
	reg    *job.Registry
	sched  *sched.Scheduler
	alerts *notify.Service
	debug  *pprof.Service

	grace     time.Duration
	maxAge    time.Duration
	sweep     time.Duration
	recordCap int

	sup    *rtsup.Supervisor
	closed chan struct{}
}

type Option func(*App)

// WithManualTrigger disables the schedule trigger: nothing fires on its
// own and runs start only through ForceRun. The one-shot and read-only
// CLI verbs use this so they never race a regular fire.
func WithManualTrigger() Option {
	return func(a *App) { a.manual = true }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgPath: cfgPath, closed: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.base = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log = a.base.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		// Validated at load; a failure here means the tz database changed
		// under us, which deserves a hard stop.
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	busyTimeout, err := config.ParseDurationOr("history.busy_timeout", cfg.History.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	a.store, err = history.Open(history.Config{
		Driver:      cfg.History.Driver,
		Path:        cfg.History.Path,
		BusyTimeout: busyTimeout,
	}, a.base.With(logx.String("comp", "history")))
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	a.bus = eventbus.New()

	a.reg, err = buildRegistry(cfg, a.store, loc)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	poll, err := cfg.Scheduler.PollIntervalDuration()
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.grace, err = cfg.Scheduler.GracePeriodDuration()
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.sched = sched.New(sched.Config{
		PollInterval:  poll,
		Workers:       cfg.Scheduler.WorkerCount(),
		MaxConcurrent: int64(cfg.Scheduler.ConcurrencyCeiling()),
		GracePeriod:   a.grace,
		Location:      loc,
		Manual:        a.manual,
	}, a.reg, a.store, a.bus, a.base.With(logx.String("comp", "sched")))

	a.maxAge, err = cfg.Retention.MaxAgeDuration()
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.sweep, err = cfg.Retention.SweepDuration()
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.recordCap = cfg.Retention.RecordCap()

	// Alerts and the debug server only matter for the long-running daemon.
	if !a.manual {
		if err := a.buildAlerts(cfg); err != nil {
			a.closeStore()
			return nil, err
		}
		a.debug = pprof.New(pprof.Config{
			Enabled:       cfg.Pprof.Enabled,
			Addr:          cfg.Pprof.Addr,
			Token:         cfg.Pprof.Token,
			AllowInsecure: cfg.Pprof.AllowInsecure,
		}, func() any { return a.sched.Snapshot() }, a.base.With(logx.String("comp", "pprof")))
	}

	return a, nil
}

func (a *App) buildAlerts(cfg *config.Config) error {
	if cfg.Alerts == nil || cfg.Alerts.Telegram == nil {
		return nil
	}
	sink, err := notify.NewTelegramSink(cfg.Alerts.Telegram.Token, cfg.Alerts.Telegram.ChatID)
	if err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	window, err := config.ParseDurationOr("alerts.dedup_window", cfg.Alerts.DedupWindow, 15*time.Minute)
	if err != nil {
		return err
	}
	a.alerts = notify.New(notify.Config{
		RatePerMin:  cfg.Alerts.RatePerMin,
		DedupWindow: window,
	}, sink, a.bus, a.base.With(logx.String("comp", "alerts")))
	return nil
}

func buildRegistry(cfg *config.Config, store history.Store, loc *time.Location) (*job.Registry, error) {
	reg := job.NewRegistry()
	for _, jc := range cfg.Jobs {
		schedule, err := job.ParseSchedule(jc.Schedule, loc)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", jc.ID, err)
		}
		runner, err := collab.Build(jc.Collaborator.Kind, jc.Collaborator.Config, collab.Deps{Store: store})
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", jc.ID, err)
		}
		timeout, err := config.ParseDurationOr(fmt.Sprintf("job %q: timeout", jc.ID), jc.Timeout, 5*time.Minute)
		if err != nil {
			return nil, err
		}
		backoff, err := backoffPolicy(jc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(job.Definition{
			ID:             jc.ID,
			Schedule:       schedule,
			Runner:         runner,
			Timeout:        timeout,
			MaxRetries:     jc.MaxRetries,
			Backoff:        backoff,
			Enabled:        jc.IsEnabled(),
			RunOnStart:     jc.RunOnStart,
			ExclusionGroup: jc.ExclusionGroup,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func backoffPolicy(jc config.JobConfig) (job.BackoffPolicy, error) {
	if jc.Backoff == nil {
		// DelayFor fills defaults from the zero policy.
		return job.BackoffPolicy{}, nil
	}
	base, err := config.ParseDurationOr(fmt.Sprintf("job %q: backoff.base", jc.ID), jc.Backoff.Base, 0)
	if err != nil {
		return job.BackoffPolicy{}, err
	}
	max, err := config.ParseDurationOr(fmt.Sprintf("job %q: backoff.max", jc.ID), jc.Backoff.Max, 0)
	if err != nil {
		return job.BackoffPolicy{}, err
	}
	return job.BackoffPolicy{
		Base:       base,
		Multiplier: jc.Backoff.Multiplier,
		Max:        max,
		Jitter:     jc.Backoff.Jitter,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop). Before Start there is no supervisor and Done reads
// as already closed.
func (a *App) Done() <-chan struct{} {
	if a.sup != nil {
		return a.sup.Context().Done()
	}
	return closedChan
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup != nil {
		return a.sup.Err()
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.manual {
		return nil
	}

	if a.alerts != nil {
		a.sup.GoRestart("alerts", a.alerts.Run)
	}
	a.sup.GoRestart("history.retention", a.retentionLoop)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if err := a.debug.Start(a.sup.Context()); err != nil {
		return err
	}

	a.log.Info("app started")
	return nil
}

// Stop unwinds in dependency order with a bounded budget per step so one
// stuck component can't stall the whole shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "scheduler", a.grace+5*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	if a.debug != nil {
		a.step(ctx, "debug", 2*time.Second, func(c context.Context) error {
			a.debug.Stop(c)
			return nil
		})
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	if n := a.bus.Dropped(); n > 0 {
		a.log.Warn("events dropped during run; alerting was lossy", logx.Uint64("dropped", n))
	}
	a.log.Info("stopped")
	return nil
}

// Close releases the store and the log sinks. Safe after Stop and for
// apps that were never started.
func (a *App) Close() {
	select {
	case <-a.closed:
		return
	default:
	}
	close(a.closed)
	a.closeStore()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("history store close failed", logx.Any("err", err))
	}
	a.store = nil
}

// step runs one shutdown action with an upper bound, never extending the
// caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && stepCtx.Err() == nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) retentionLoop(ctx context.Context) error {
	// One sweep right after start: a long outage may have left the store
	// well past its caps.
	a.sweepOnce(ctx)
	t := time.NewTicker(a.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *App) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-a.maxAge)
	n, err := a.store.Prune(ctx, cutoff, a.recordCap)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.log.Error("history prune failed", logx.Any("err", err))
		return
	}
	if n > 0 {
		a.log.Info("history pruned", logx.Int("removed", n), logx.Time("cutoff", cutoff))
	} else {
		a.log.Debug("history sweep clean")
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			cfg = drainLatest(sub, cfg)

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			// Jobs, schedules and the store are fixed at startup. Tell the
			// operator instead of half-applying.
			if secs := staleSections(last, cfg); len(secs) > 0 {
				a.log.Warn("config sections changed; restart to apply",
					logx.String("sections", strings.Join(secs, ",")))
			}
			last = cfg
		}
	}
}

// drainLatest coalesces a burst of reloads down to the newest config.
func drainLatest(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func staleSections(old, cur *config.Config) []string {
	if old == nil || cur == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(old.History, cur.History) {
		out = append(out, "history")
	}
	if !reflect.DeepEqual(old.Scheduler, cur.Scheduler) {
		out = append(out, "scheduler")
	}
	if !reflect.DeepEqual(old.Retention, cur.Retention) {
		out = append(out, "retention")
	}
	if !reflect.DeepEqual(old.Alerts, cur.Alerts) {
		out = append(out, "alerts")
	}
	if !reflect.DeepEqual(old.Pprof, cur.Pprof) {
		out = append(out, "pprof")
	}
	if !reflect.DeepEqual(old.Jobs, cur.Jobs) {
		out = append(out, "jobs")
	}
	return out
}

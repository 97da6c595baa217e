// Package notify turns scheduler events operators must hear about
// (retry exhaustion, degraded history store) into alert messages, with
// dedup and rate limiting so a flapping job can't flood the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shopkeeper/internal/eventbus"
	"shopkeeper/internal/sched"
	"shopkeeper/pkg/logx"
)

// Sink delivers one alert message to wherever operators watch.
type Sink interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	RatePerMin  int           // default 6
	DedupWindow time.Duration // default 15m
	QueueSize   int           // default 64
	SendTimeout time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 6
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 15 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Service consumes bus events and pushes alerts through the sink.
// Run it under the application supervisor.
type Service struct {
	cfg     Config
	log     logx.Logger
	sink    Sink
	events  <-chan eventbus.Event
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time
}

// New subscribes immediately, so events published between construction
// and Run (the scheduler's startup sweep, in particular) sit in the
// subscription buffer instead of getting lost.
func New(cfg Config, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	events, _ := bus.Subscribe(cfg.QueueSize)
	return &Service{
		cfg:     cfg,
		log:     log,
		sink:    sink,
		events:  events,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin),
		dedup:   map[string]time.Time{},
	}
}

// Run consumes events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return errors.New("event channel closed")
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	var key, text string
	switch ev.Type {
	case eventbus.TypeJobExhausted:
		d, ok := ev.Data.(sched.ExhaustedEvent)
		if !ok {
			return
		}
		key = "exhausted:" + d.Job
		text = fmt.Sprintf("job %q exhausted %d attempt(s): %s (failure streak %d)",
			d.Job, d.Attempts, d.Error, d.ConsecutiveFailures)
	case eventbus.TypeStoreDegraded:
		d, ok := ev.Data.(sched.DegradedEvent)
		if !ok {
			return
		}
		key = "degraded:" + d.Op
		text = fmt.Sprintf("run history store degraded (%s): %s; jobs keep running, history is lossy", d.Op, d.Error)
	case eventbus.TypeRunsInterrupted:
		d, ok := ev.Data.(sched.InterruptedEvent)
		if !ok {
			return
		}
		key = "interrupted"
		text = fmt.Sprintf("%d run(s) were still open at startup (%s) and were closed as failed", d.Count, d.Reason)
	default:
		return
	}

	if !s.allow(key, ev.Time) {
		s.log.Debug("alert deduped", logx.String("key", key))
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err := s.sink.Send(sctx, text)
	cancel()
	if err != nil {
		s.log.Warn("alert send failed", logx.String("key", key), logx.Any("err", err))
		return
	}
	s.log.Info("alert sent", logx.String("key", key))
}

// allow reports whether the key is outside its dedup window, and claims
// the window when it is.
func (s *Service) allow(key string, at time.Time) bool {
	if at.IsZero() {
		at = time.Now()
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()

	for k, until := range s.dedup {
		if at.After(until) {
			delete(s.dedup, k)
		}
	}
	if until, ok := s.dedup[key]; ok && at.Before(until) {
		return false
	}
	s.dedup[key] = at.Add(s.cfg.DedupWindow)
	return true
}

// Package supervisor runs named goroutines under one shared context,
// with panic capture, optional cancel-on-first-error, and jittered
// restart backoff for long-running loops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"shopkeeper/pkg/logx"
)

const (
	restartMin = 250 * time.Millisecond
	restartMax = 30 * time.Second

	// A loop that survives this long gets a fresh backoff window, so a
	// rare failure after hours of quiet work restarts quickly.
	steadyRun = 30 * time.Second
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	active atomic.Int64

	emu   sync.Mutex
	first error

	idleOnce sync.Once
	idle     chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure, so
// one dead component takes the whole unit down instead of limping.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, idle: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure, or nil.
func (s *Supervisor) Err() error {
	s.emu.Lock()
	defer s.emu.Unlock()
	return s.first
}

// Active reports how many goroutines are currently running.
func (s *Supervisor) Active() int64 { return s.active.Load() }

// Go runs fn once. A panic or a non-nil error other than
// context.Canceled becomes the supervisor's failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.active.Add(-1)
		defer s.wg.Done()

		err := s.protect(name, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		var pe *panicError
		if !errors.As(err, &pe) {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.fail(err)
	}()
}

// GoRestart runs fn and restarts it after failures with jittered
// exponential backoff, until ctx ends or fn returns nil. Meant for
// loops (trigger loop, watchers, sweepers) whose transient failures
// should self-heal without taking the process down.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.Go(name+".restart", func(ctx context.Context) error {
		delay := restartMin
		for ctx.Err() == nil {
			began := time.Now()
			err := s.protect(name, fn)

			switch {
			case ctx.Err() != nil, errors.Is(err, context.Canceled), err == nil:
				return nil
			}

			if time.Since(began) >= steadyRun {
				delay = restartMin
			}
			wait := withJitter(delay)
			s.log.Warn("goroutine restarting",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			if delay *= 2; delay > restartMax {
				delay = restartMax
			}
		}
		return nil
	})
}

// Stop cancels everything and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine exited or ctx runs out, returning
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.drained():
		return s.Err()
	}
}

func (s *Supervisor) drained() <-chan struct{} {
	s.idleOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	return s.idle
}

// protect invokes fn, converting a panic into a panicError logged with
// its stack at the crash site.
func (s *Supervisor) protect(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = &panicError{name: name, value: r}
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.emu.Lock()
	if s.first == nil {
		s.first = err
	}
	s.emu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

type panicError struct {
	name  string
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", p.name, p.value)
}

func withJitter(d time.Duration) time.Duration {
	// Up to 20% extra so restarting loops don't align.
	if spread := int64(d) / 5; spread > 0 {
		d += time.Duration(time.Now().UnixNano() % (spread + 1))
	}
	return d
}

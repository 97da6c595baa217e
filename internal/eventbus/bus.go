// Package eventbus carries run lifecycle signals between the scheduler
// and its satellites (alert notifier, tests) without direct coupling.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler. Data carries the payload
// struct for each type and should stay small.
const (
	TypeRunStarted      = "run.started"
	TypeRunFinished     = "run.finished"
	TypeRunSkipped      = "run.skipped"
	TypeJobExhausted    = "job.exhausted"
	TypeStoreDegraded   = "store.degraded"
	TypeRunsInterrupted = "runs.interrupted"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is an in-memory fanout. Publish never blocks: a subscriber that
// falls behind its buffer loses events, and Dropped counts every lost
// delivery so the operator can see when alerting went lossy.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (events <-chan Event, cancel func())
	Dropped() uint64
}

func New() Bus {
	return &fanout{subs: make(map[uint64]chan Event)}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event

	next    atomic.Uint64
	dropped atomic.Uint64
}

// Publish stamps a missing time and offers e to every subscriber.
// Sends happen under the read lock: unsubscribe closes channels under
// the write lock, so a send can never hit a closed channel.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := f.next.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
}

// Dropped returns the number of deliveries lost to full subscriber
// buffers since the bus was created. One slow subscriber missing one
// event counts once.
func (f *fanout) Dropped() uint64 {
	return f.dropped.Load()
}

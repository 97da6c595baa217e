package sched

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"shopkeeper/internal/job"
)

type Admission int

const (
	Admitted Admission = iota
	RejectedBusy
	RejectedCapacity
)

// Guard admits runs subject to three rules: at most one running instance
// per job, mutual exclusion within an exclusion group, and a global
// ceiling on runs in flight.
//
// Admission and the running-flag set are atomic under one mutex, so two
// concurrent admits for the same job can never both succeed.
type Guard struct {
	sem *semaphore.Weighted

	mu        sync.Mutex
	running   map[string]bool
	group     map[string]string // job id -> exclusion group
	groupHeld map[string]string // group -> job id holding it
}

func NewGuard(ceiling int64, defs []job.Definition) *Guard {
	if ceiling <= 0 {
		ceiling = 1
	}
	g := &Guard{
		sem:       semaphore.NewWeighted(ceiling),
		running:   map[string]bool{},
		group:     map[string]string{},
		groupHeld: map[string]string{},
	}
	for _, d := range defs {
		if d.ExclusionGroup != "" {
			g.group[d.ID] = d.ExclusionGroup
		}
	}
	return g
}

// TryAdmit claims a run slot for the job without blocking. The detail
// string names what blocked admission when the result is not Admitted.
func (g *Guard) TryAdmit(id string) (Admission, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running[id] {
		return RejectedBusy, "previous run still in progress"
	}
	grp := g.group[id]
	if grp != "" {
		if holder, ok := g.groupHeld[grp]; ok {
			return RejectedBusy, "exclusion group " + grp + " held by " + holder
		}
	}
	if !g.sem.TryAcquire(1) {
		return RejectedCapacity, "concurrency ceiling reached"
	}
	g.running[id] = true
	if grp != "" {
		g.groupHeld[grp] = id
	}
	return Admitted, ""
}

// Release frees the job's slot. Extra calls for a job that is not
// running are ignored, so every exit path may release safely.
func (g *Guard) Release(id string) {
	g.mu.Lock()
	if !g.running[id] {
		g.mu.Unlock()
		return
	}
	delete(g.running, id)
	if grp := g.group[id]; grp != "" && g.groupHeld[grp] == id {
		delete(g.groupHeld, grp)
	}
	g.mu.Unlock()
	g.sem.Release(1)
}

// Running reports whether the job currently holds a slot.
func (g *Guard) Running(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[id]
}

// InFlight counts slots currently held.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

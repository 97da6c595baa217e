package sched

import "time"

// JobStatus is one job's schedule state for diagnostics.
type JobStatus struct {
	ID                  string    `json:"id"`
	Schedule            string    `json:"schedule"`
	Enabled             bool      `json:"enabled"`
	ExclusionGroup      string    `json:"exclusion_group,omitempty"`
	NextFire            time.Time `json:"next_fire"`
	LastFire            time.Time `json:"last_fire"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Running             bool      `json:"running"`
	RetryAt             time.Time `json:"retry_at"`
	RetryAttempt        int       `json:"retry_attempt,omitempty"`
}

// Snapshot is a point-in-time view of the scheduler for operators.
type Snapshot struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Workers  int         `json:"workers"`
	InFlight int         `json:"in_flight"`
	QueueLen int         `json:"queue_len"`
	QueueCap int         `json:"queue_cap"`
	Jobs     []JobStatus `json:"jobs"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:  s.running,
		Timezone: s.cfg.Location.String(),
		Workers:  s.cfg.Workers,
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	if s.guard != nil {
		snap.InFlight = s.guard.InFlight()
	}
	for _, id := range s.order {
		js := s.states[id]
		st := JobStatus{
			ID:                  id,
			Schedule:            js.def.Schedule.String(),
			Enabled:             js.def.Enabled,
			ExclusionGroup:      js.def.ExclusionGroup,
			NextFire:            js.nextFire,
			LastFire:            js.lastFire,
			ConsecutiveFailures: js.consecutiveFailures,
			RetryAt:             js.retryAt,
			RetryAttempt:        js.retryAttempt,
		}
		if s.guard != nil {
			st.Running = s.guard.Running(id)
		}
		snap.Jobs = append(snap.Jobs, st)
	}
	return snap
}

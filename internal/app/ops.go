package app

import (
	"context"
	"time"

	"shopkeeper/internal/history"
)

// JobOverview is one row of the jobs listing: the static definition plus
// whatever schedule state survived in the store.
type JobOverview struct {
	ID                  string    `json:"id"`
	Schedule            string    `json:"schedule"`
	Enabled             bool      `json:"enabled"`
	RunOnStart          bool      `json:"run_on_start,omitempty"`
	ExclusionGroup      string    `json:"exclusion_group,omitempty"`
	NextFire            time.Time `json:"next_fire"`
	LastFire            time.Time `json:"last_fire,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
}

// ListJobs merges registered definitions with persisted schedule state.
// It works without Start, so the read-only CLI verbs can use it while
// the daemon is down.
func (a *App) ListJobs(ctx context.Context) ([]JobOverview, error) {
	states, err := a.store.LoadStates(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	defs := a.reg.List()
	out := make([]JobOverview, 0, len(defs))
	for _, d := range defs {
		row := JobOverview{
			ID:             d.ID,
			Schedule:       d.Schedule.String(),
			Enabled:        d.Enabled,
			RunOnStart:     d.RunOnStart,
			ExclusionGroup: d.ExclusionGroup,
		}
		if st, ok := states[d.ID]; ok {
			row.NextFire = st.NextFire
			row.LastFire = st.LastFire
			row.ConsecutiveFailures = st.ConsecutiveFailures
		}
		// Stale or missing state: show when the schedule would actually fire.
		if row.NextFire.IsZero() || row.NextFire.Before(now) {
			row.NextFire = d.Schedule.Next(now)
		}
		out = append(out, row)
	}
	return out, nil
}

// Records queries the run history.
func (a *App) Records(ctx context.Context, q history.Query) ([]history.Record, error) {
	return a.store.Query(ctx, q)
}

// ForceRun triggers one immediate run and waits for its record.
func (a *App) ForceRun(ctx context.Context, id string) (history.Record, error) {
	return a.sched.ForceRun(ctx, id)
}

package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
)

type healthConfig struct {
	// Watch lists job ids that must have a succeeded run within the window.
	Watch  []string `json:"watch,omitempty"`
	Within string   `json:"within,omitempty"` // default "24h"

	// URL, when set, must answer a GET with a non-5xx/4xx status.
	URL string `json:"url,omitempty"`

	// MinFreeBytes, when set, requires at least this much free space at Path.
	MinFreeBytes int64  `json:"min_free_bytes,omitempty"`
	Path         string `json:"path,omitempty"` // default "."
}

// healthRunner aggregates cheap liveness checks: recent job successes in
// the run history, an HTTP probe against the site, and free disk space
// where backups land. Failures are not retried; the next interval run
// re-checks anyway, and a fast exhaustion is what raises the alert.
type healthRunner struct {
	cfg    healthConfig
	within time.Duration
	store  history.Store
	client *http.Client
}

func newHealth(raw json.RawMessage, deps Deps) (job.Runner, error) {
	var cfg healthConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("health config: %w", err)
	}
	if len(cfg.Watch) == 0 && cfg.URL == "" && cfg.MinFreeBytes <= 0 {
		return nil, errors.New("health config: at least one of watch, url, min_free_bytes is required")
	}
	if len(cfg.Watch) > 0 && deps.Store == nil {
		return nil, errors.New("health config: watch requires the history store")
	}
	within := 24 * time.Hour
	if s := strings.TrimSpace(cfg.Within); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("health config: invalid within %q", cfg.Within)
		}
		within = d
	}
	if cfg.Path == "" {
		cfg.Path = "."
	}
	return &healthRunner{
		cfg:    cfg,
		within: within,
		store:  deps.Store,
		client: &http.Client{},
	}, nil
}

func (r *healthRunner) Run(ctx context.Context) (job.Result, error) {
	var problems []string
	checks := 0

	for _, id := range r.cfg.Watch {
		checks++
		q := history.Query{
			JobID:   id,
			Since:   time.Now().Add(-r.within),
			Outcome: history.OutcomeSucceeded,
			Limit:   1,
		}
		recs, err := r.store.Query(ctx, q)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: history query failed: %v", id, err))
			continue
		}
		if len(recs) == 0 {
			problems = append(problems, fmt.Sprintf("%s: no success within %s", id, r.within))
		}
	}

	if r.cfg.URL != "" {
		checks++
		if err := r.probe(ctx); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if r.cfg.MinFreeBytes > 0 {
		checks++
		free, err := diskFree(r.cfg.Path)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("disk %s: %v", r.cfg.Path, err))
		case free >= 0 && free < r.cfg.MinFreeBytes:
			problems = append(problems, fmt.Sprintf("disk %s: %d bytes free, want %d", r.cfg.Path, free, r.cfg.MinFreeBytes))
		}
	}

	if len(problems) > 0 {
		return job.Result{Meta: map[string]string{"checks": fmt.Sprint(checks)}},
			job.NoRetry(errors.New(strings.Join(problems, "; ")))
	}
	return job.Result{
		Summary: fmt.Sprintf("ok (%d checks)", checks),
		Meta:    map[string]string{"checks": fmt.Sprint(checks)},
	}, nil
}

func (r *healthRunner) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %v", r.cfg.URL, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %v", r.cfg.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", r.cfg.URL, resp.StatusCode)
	}
	return nil
}

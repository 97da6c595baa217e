package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate performs the structural checks that don't need other
// subsystems. Schedule expressions are validated when the job catalog is
// built, which also happens before the scheduler starts.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(c.History.Path) == "" {
		return fmt.Errorf("history.path is required")
	}
	if _, err := ParseDuration("history.busy_timeout", c.History.BusyTimeout); err != nil {
		return err
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := c.Scheduler.PollIntervalDuration(); err != nil {
		return err
	}
	if _, err := c.Scheduler.GracePeriodDuration(); err != nil {
		return err
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return fmt.Errorf("scheduler.max_concurrent must be >= 0")
	}

	if _, err := c.Retention.MaxAgeDuration(); err != nil {
		return err
	}
	if _, err := c.Retention.SweepDuration(); err != nil {
		return err
	}
	if c.Retention.MaxRecords < 0 {
		return fmt.Errorf("retention.max_records must be >= 0")
	}

	if c.Alerts != nil {
		if _, err := ParseDuration("alerts.dedup_window", c.Alerts.DedupWindow); err != nil {
			return err
		}
		if c.Alerts.RatePerMin < 0 {
			return fmt.Errorf("alerts.rate_per_min must be >= 0")
		}
		if tg := c.Alerts.Telegram; tg != nil {
			if strings.TrimSpace(tg.Token) == "" {
				return fmt.Errorf("alerts.telegram.token is required")
			}
			if tg.ChatID == 0 {
				return fmt.Errorf("alerts.telegram.chat_id is required")
			}
		}
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			return fmt.Errorf("%s: id is required", path)
		}
		if seen[id] {
			return fmt.Errorf("%s: duplicate job id %q", path, id)
		}
		seen[id] = true

		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("%s (%s): schedule is required", path, id)
		}
		if strings.TrimSpace(j.Collaborator.Kind) == "" {
			return fmt.Errorf("%s (%s): collaborator.kind is required", path, id)
		}
		if _, err := ParseDuration(path+".timeout", j.Timeout); err != nil {
			return err
		}
		if j.MaxRetries < 0 {
			return fmt.Errorf("%s (%s): max_retries must be >= 0", path, id)
		}
		if b := j.Backoff; b != nil {
			if _, err := ParseDuration(path+".backoff.base", b.Base); err != nil {
				return err
			}
			if _, err := ParseDuration(path+".backoff.max", b.Max); err != nil {
				return err
			}
			if b.Multiplier != 0 && b.Multiplier < 1 {
				return fmt.Errorf("%s (%s): backoff.multiplier must be >= 1", path, id)
			}
			if b.Jitter < 0 || b.Jitter > 1 {
				return fmt.Errorf("%s (%s): backoff.jitter must be within [0,1]", path, id)
			}
		}
	}

	return nil
}

package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind describes the normalized kind of a schedule string.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// cronParser accepts both 5-field and 6-field (with seconds) expressions plus
// descriptors like @daily and @every.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed, immutable schedule bound to a location.
//
// Supported forms:
//   - Cron (crontab.guru-style): "0 1 * * *", "*/5 * * * *", "@daily", "@every 6h"
//   - Interval duration: "6h", "2h30m", "90s"
//
// An optional "cron:" or "every:" prefix forces the parse mode.
type Schedule struct {
	Kind  ScheduleKind
	Every time.Duration

	raw  string
	spec cron.Schedule
	loc  *time.Location
}

// ParseSchedule parses raw into a Schedule evaluated in loc.
// A nil loc means time.Local.
func ParseSchedule(raw string, loc *time.Location) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.Local
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]), raw, loc)
	}
	if strings.HasPrefix(low, "every:") {
		return parseEvery(strings.TrimSpace(s[len("every:"):]), raw, loc)
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s, raw, loc)
	}
	return parseEvery(s, raw, loc)
}

func parseCron(expr, raw string, loc *time.Location) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
	}
	return Schedule{Kind: ScheduleCron, raw: raw, spec: spec, loc: loc}, nil
}

func parseEvery(v, raw string, loc *time.Location) (Schedule, error) {
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '0 1 * * *' or a duration like '6h'): %w", raw, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("invalid schedule %q: interval must be > 0", raw)
	}
	return Schedule{Kind: ScheduleInterval, Every: d, raw: raw, loc: loc}, nil
}

// Next returns the first fire time strictly after t.
//
// Interval schedules step from t itself; the trigger engine anchors t at the
// previous fire so gaps stay equal to Every. Cron schedules are evaluated in
// the schedule's location.
func (s Schedule) Next(t time.Time) time.Time {
	switch s.Kind {
	case ScheduleInterval:
		return t.Add(s.Every)
	default:
		if s.spec == nil {
			return time.Time{}
		}
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		return s.spec.Next(t.In(loc))
	}
}

// IsZero reports whether the schedule was never parsed.
func (s Schedule) IsZero() bool { return s.raw == "" }

func (s Schedule) String() string { return s.raw }

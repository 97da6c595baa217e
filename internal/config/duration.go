package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the file are Go duration strings ("90s", "1h30m"). An
// empty value means "use the built-in default", so it parses to zero
// without an error; negative values are rejected outright.

// ParseDuration reads one duration-valued field; path labels it in errors.
func ParseDuration(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: parse duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOr substitutes def when the field is empty.
func ParseDurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

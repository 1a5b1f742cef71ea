package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields (jobs.poll_interval, jobs.restart_delay,
// jobs.stopping_wait_time, run_store.busy_timeout) are Go duration strings
// like "500ms" or "10s". An omitted field means "use the engine default".

// ParseDurationField parses one optional duration field. Empty means unset
// (zero); a negative value is a configuration error, not a disable switch.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault resolves an optional duration field against the
// engine default (DefaultPollInterval and friends) applied when it is unset.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

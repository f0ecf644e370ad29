package scheduler

import "time"

// Timer-triggered runs back off after repeated failures. Manual and
// reconnect triggers ignore the backoff.
const (
	backoffThreshold = 3
	backoffMaxCap    = 6 * time.Hour
)

// backoffSteps maps consecutive failure counts (starting at the threshold)
// to their backoff durations: 3→15m, 4→1h, 5→3h, 6+→6h.
var backoffSteps = []time.Duration{
	15 * time.Minute,
	time.Hour,
	3 * time.Hour,
	backoffMaxCap,
}

// backoffDuration returns how long timer runs are suppressed after the
// given number of consecutive failed runs. Zero below backoffThreshold.
func backoffDuration(failures int) time.Duration {
	if failures < backoffThreshold {
		return 0
	}

	idx := failures - backoffThreshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return backoffSteps[idx]
}

package delivery

import "time"

// DefaultBackoff is indexed by attempt number minus one; attempts past the
// end reuse the last entry.
var DefaultBackoff = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

const DefaultMaxAttempts = 10

// Backoff returns the delay before the attempt following attempt.
func Backoff(attempt int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// NextAttemptTime returns when a job that failed its attempt-th try becomes
// eligible again, or nil when attempts are exhausted.
func NextAttemptTime(now time.Time, attempt, maxAttempts int, schedule []time.Duration) *time.Time {
	if attempt >= maxAttempts {
		return nil
	}
	t := now.Add(Backoff(attempt, schedule))
	return &t
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsGone reports push service responses meaning the subscription will never
// accept messages again.
func IsGone(statusCode int) bool {
	return statusCode == 404 || statusCode == 410
}

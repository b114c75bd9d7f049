package webhooks

import "time"

// Schedule holds the wait before each retry; entry i follows failed attempt i+1.
type Schedule []time.Duration

// DefaultSchedule waits 1, 5, 15, 60 and 360 minutes.
var DefaultSchedule = Schedule{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	360 * time.Minute,
}

// MaxRetries is the number of automatic retries before an event is dead-lettered.
func (s Schedule) MaxRetries() int { return len(s) }

// Delay returns the wait before retry n (1-based). ok is false once retries are exhausted.
func (s Schedule) Delay(n int) (time.Duration, bool) {
	if n < 1 || n > len(s) {
		return 0, false
	}
	return s[n-1], true
}

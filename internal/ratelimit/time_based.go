package ratelimit

import (
	"fmt"
	"time"
)

// TimeBasedLimiter implements RateLimiter with a minimum interval.
type TimeBasedLimiter struct {
	minInterval time.Duration
	now         func() time.Time
}

// NewTimeBasedLimiter creates a new time-based rate limiter.
func NewTimeBasedLimiter(config Config) *TimeBasedLimiter {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &TimeBasedLimiter{
		minInterval: config.MinInterval,
		now:         now,
	}
}

// ShouldSnapshot implements RateLimiter.
func (t *TimeBasedLimiter) ShouldSnapshot(lastSnapshot time.Time) (bool, string) {
	if t.minInterval <= 0 {
		return true, "respawn protection disabled"
	}

	if lastSnapshot.IsZero() {
		return true, "no previous snapshot found"
	}

	since := t.now().Sub(lastSnapshot)
	if since < t.minInterval {
		return false, fmt.Sprintf(
			"last snapshot was %s ago, next snapshot allowed in %s",
			formatDuration(since),
			formatDuration(t.minInterval-since),
		)
	}

	return true, fmt.Sprintf("last snapshot was %s ago", formatDuration(since))
}

// MinInterval implements RateLimiter.
func (t *TimeBasedLimiter) MinInterval() time.Duration {
	return t.minInterval
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0f minutes", d.Minutes())
	}
	return fmt.Sprintf("%.1f hours", d.Hours())
}

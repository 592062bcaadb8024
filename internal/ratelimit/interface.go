// Package ratelimit gates scheduled snapshots on the age of the newest one.
package ratelimit

import (
	"time"
)

// RateLimiter decides whether a scheduled snapshot may start.
type RateLimiter interface {
	// ShouldSnapshot reports whether a run may proceed given the time of the
	// newest existing snapshot (zero when there is none), with a
	// human-readable reason either way.
	ShouldSnapshot(lastSnapshot time.Time) (bool, string)

	// MinInterval returns the minimum age of the newest snapshot.
	MinInterval() time.Duration
}

// Config holds configuration for rate limiting.
type Config struct {
	// MinInterval is the minimum time between snapshots. Zero disables the gate.
	MinInterval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

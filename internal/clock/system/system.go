// Package system provides a real clock implementation.
package system

import "time"

// Clock implements coordinator.Clock using time.Now. Lease expiry, heartbeat
// timestamps, and runner staleness are all measured against it.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time truncated to microseconds, the precision
// Postgres keeps for timestamptz.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

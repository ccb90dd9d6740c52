// Package system provides the wall clock and a frozen clock for the
// collector.Clock interface.
package system

import "time"

// Clock reads the wall clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Frozen always reports the same instant.
type Frozen time.Time

// Now returns the frozen instant in UTC.
func (f Frozen) Now() time.Time {
	return time.Time(f).UTC()
}

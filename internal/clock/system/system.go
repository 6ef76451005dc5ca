// Package system provides the wall clock.
package system

import "time"

// Clock reports local time; active hours are local wall-clock hours.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current local time.
func (Clock) Now() time.Time {
	return time.Now()
}

package common

import "time"

// Clock abstracts wall-clock reads and timer waits so renewal and backoff
// schedules can be driven by virtual time in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewSystemClock returns a Clock backed by the real time package.
func NewSystemClock() Clock {
	return systemClock{}
}

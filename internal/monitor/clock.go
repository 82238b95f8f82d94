package monitor

import "time"

// Clock abstracts time for the polling loops so tests can advance virtual
// time instead of sleeping through real timeouts.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers the current time once d has
	// elapsed. The poll-interval wait is the only suspension point in a
	// monitor loop; cancellation is a ctx.Done() select against it.
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the real-time clock used outside tests.
var SystemClock Clock = systemClock{}

package monitor

import "time"

// Stability tracks the last observed content digest and when it last
// changed. Each monitor loop owns exactly one tracker; they are never
// shared across goroutines.
type Stability struct {
	lastDigest Digest
	lastChange time.Time
}

// NewStability returns a tracker in its initial empty-digest form. The
// first Observe always reports a change, so the timer starts fresh instead
// of assuming pre-existing staleness.
func NewStability(now time.Time) *Stability {
	return &Stability{lastChange: now}
}

// Observe compares the new digest against the last one. On a mismatch the
// digest and change timestamp are updated and true is returned; otherwise
// the state is left untouched.
func (s *Stability) Observe(d Digest, now time.Time) bool {
	if d == s.lastDigest {
		return false
	}
	s.lastDigest = d
	s.lastChange = now
	return true
}

// MarkActive resets the change timestamp without touching the digest.
// Used when the work-in-progress marker overrides digest stability: the
// pane is static but the session is legitimately busy.
func (s *Stability) MarkActive(now time.Time) {
	s.lastChange = now
}

// Reset returns the tracker to its initial empty-digest form. Called after
// an intervention so an immediately following identical capture counts as
// a fresh change rather than accumulated staleness.
func (s *Stability) Reset(now time.Time) {
	s.lastDigest = ""
	s.lastChange = now
}

// StableFor returns how long the observed content has been unchanged.
func (s *Stability) StableFor(now time.Time) time.Duration {
	return now.Sub(s.lastChange)
}

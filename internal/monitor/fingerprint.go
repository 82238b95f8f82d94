package monitor

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is a fixed-length fingerprint of a captured text window.
// Two captures with the same digest are treated as the same visible content.
// Comparison is byte-equality; the empty string is the "never observed"
// sentinel used by a freshly created stability tracker.
type Digest string

// Fingerprint reduces captured pane text to a Digest. SHA-256 is used for
// cheap, collision-resistant equality testing of large text blobs; the
// cryptographic strength is incidental.
func Fingerprint(text string) Digest {
	h := sha256.Sum256([]byte(text))
	return Digest(hex.EncodeToString(h[:]))
}

// SessionHandle is the slice of the tmux session adapter the monitors
// consume. *tmux.Session satisfies it; tests use a scripted fake.
type SessionHandle interface {
	Exists() bool
	CaptureLines(n int) (string, error)
	SendText(text string) error
	SendSubmit() error
	SendInterrupt() error
}

// Capture window sizes. The large window drives overall stability
// judgments; the small window is inspected for the task status line and
// error signatures. These are independent captures, not shared state.
const (
	stabilityWindowLines = 100
	statusWindowLines    = 30
)

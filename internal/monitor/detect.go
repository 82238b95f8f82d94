package monitor

import (
	"regexp"
	"strconv"
	"strings"
)

// TodoStats summarizes the assistant's task status line, e.g.
// "12 tasks (8 done, 3 in progress, 1 open)".
type TodoStats struct {
	Total      int
	Done       int
	InProgress int
	Open       int
}

// ActivityMatcher is the injectable detection policy: how to recognize
// background work and error states in captured pane text. Extracted from
// the polling loops so the heuristics can be swapped or unit-tested on
// their own.
type ActivityMatcher interface {
	// TaskStatus parses the trailing task marker. ok is false when no
	// marker is visible.
	TaskStatus(text string) (stats TodoStats, ok bool)

	// ErrorSignature scans for known failure substrings (timeouts, failed
	// retries, compile/build errors) and returns a short label for the
	// first match.
	ErrorSignature(text string) (label string, found bool)
}

// HasWorkInProgress reports whether a matcher's task status indicates
// active background work. A visible marker with zero in-progress tasks
// does NOT count: only M >= 1 suppresses idle/stuck detection.
func HasWorkInProgress(m ActivityMatcher, text string) bool {
	stats, ok := m.TaskStatus(text)
	return ok && stats.InProgress >= 1
}

var (
	taskMarkerRe = regexp.MustCompile(`(\d+)\s+tasks?\s+\(([^)]*)\)`)
	doneRe       = regexp.MustCompile(`(\d+)\s+done`)
	inProgressRe = regexp.MustCompile(`(\d+)\s+in progress`)
	openRe       = regexp.MustCompile(`(\d+)\s+open`)
)

// errorSignatures are matched case-insensitively against the trailing
// window. The label feeds the babysit monitor's recovery wording.
var errorSignatures = []struct {
	label  string
	substr string
}{
	{"timeout", "timed out"},
	{"timeout", "timeout"},
	{"failed-retry", "failed after"},
	{"failed-retry", "retry limit"},
	{"compile-error", "compilation error"},
	{"compile-error", "compile error"},
	{"build-failure", "build failed"},
	{"build-failure", "build failure"},
}

// DefaultMatcher implements ActivityMatcher for Claude Code's status line
// format.
type DefaultMatcher struct{}

func (DefaultMatcher) TaskStatus(text string) (TodoStats, bool) {
	// The status line sits near the bottom of the pane; match the last
	// marker so stale markers in scrollback don't win.
	matches := taskMarkerRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return TodoStats{}, false
	}
	m := matches[len(matches)-1]

	stats := TodoStats{}
	stats.Total, _ = strconv.Atoi(m[1])
	inner := m[2]
	if sub := doneRe.FindStringSubmatch(inner); sub != nil {
		stats.Done, _ = strconv.Atoi(sub[1])
	}
	if sub := inProgressRe.FindStringSubmatch(inner); sub != nil {
		stats.InProgress, _ = strconv.Atoi(sub[1])
	}
	if sub := openRe.FindStringSubmatch(inner); sub != nil {
		stats.Open, _ = strconv.Atoi(sub[1])
	}
	return stats, true
}

func (DefaultMatcher) ErrorSignature(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, sig := range errorSignatures {
		if strings.Contains(lower, sig.substr) {
			return sig.label, true
		}
	}
	return "", false
}

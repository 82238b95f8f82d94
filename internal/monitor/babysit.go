package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentsitter/agentsitter/internal/logging"
)

// BabysitConfig is immutable for the lifetime of a monitor loop.
type BabysitConfig struct {
	// PollInterval is the delay between checks, coarser than the
	// auto-submit monitor's.
	PollInterval time.Duration

	// StuckThreshold is how long content must stay unchanged before the
	// recovery intervention fires.
	StuckThreshold time.Duration

	// MaxRuntime bounds the monitor's total lifetime regardless of
	// activity, as a safety bound against unbounded background processes.
	MaxRuntime time.Duration

	// Matcher overrides the detection policy (nil: DefaultMatcher).
	Matcher ActivityMatcher

	// Clock overrides the time source (nil: SystemClock).
	Clock Clock
}

// Babysit recovers a session stuck for a long time: interrupt keystroke,
// short pause, then contextual recovery text chosen from the trailing
// output (error signature, pending todo count, or a generic nudge).
type Babysit struct {
	session SessionHandle
	cfg     BabysitConfig
	matcher ActivityMatcher
	clock   Clock
	sender  *sender
	log     *slog.Logger
}

// NewBabysit creates the slow recovery monitor. Like the auto-submit
// monitor it owns a private stability tracker; the two loops share only
// the session handle.
func NewBabysit(session SessionHandle, cfg BabysitConfig) *Babysit {
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = DefaultMatcher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	log := logging.ForComponent(logging.CompBabysit)

	minGap := cfg.StuckThreshold / 2
	if minGap < time.Second {
		minGap = time.Second
	}

	return &Babysit{
		session: session,
		cfg:     cfg,
		matcher: matcher,
		clock:   clock,
		sender:  newSender(session, clock, minGap, log),
		log:     log,
	}
}

// Run polls until the context is cancelled, the session disappears, or the
// maximum runtime elapses.
func (m *Babysit) Run(ctx context.Context) error {
	start := m.clock.Now()
	deadline := start.Add(m.cfg.MaxRuntime)

	m.log.Info("babysit_started",
		slog.Duration("stuck_threshold", m.cfg.StuckThreshold),
		slog.Duration("poll_interval", m.cfg.PollInterval),
		slog.Duration("max_runtime", m.cfg.MaxRuntime))

	state := NewStability(start)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("babysit_stopped", slog.String("cause", "cancelled"))
			return nil
		case <-m.clock.After(m.cfg.PollInterval):
		}

		now := m.clock.Now()
		if !now.Before(deadline) {
			m.log.Info("babysit_expired", slog.Duration("runtime", now.Sub(start)))
			return nil
		}

		if stop := m.check(state, now); stop {
			return nil
		}
	}
}

// check performs one stuck inspection. Returns true when the loop should
// exit.
func (m *Babysit) check(state *Stability, now time.Time) bool {
	text, err := m.session.CaptureLines(stabilityWindowLines)
	if err != nil {
		if !m.session.Exists() {
			m.log.Info("session_not_found_stopping")
			return true
		}
		m.log.Warn("capture_failed_skipping_poll", slog.String("error", err.Error()))
		return false
	}

	digest := Fingerprint(text)
	if state.Observe(digest, now) {
		m.log.Debug("content_changed")
		return false
	}

	status, err := m.session.CaptureLines(statusWindowLines)
	if err != nil {
		m.log.Warn("status_capture_failed_skipping_poll", slog.String("error", err.Error()))
		return false
	}
	if HasWorkInProgress(m.matcher, status) {
		state.MarkActive(now)
		m.log.Debug("work_in_progress_timer_reset")
		return false
	}

	stable := state.StableFor(now)
	m.log.Debug("poll_decision",
		slog.Bool("changed", false),
		slog.Duration("stable_for", stable))

	if stable < m.cfg.StuckThreshold {
		return false
	}

	m.sender.deliver(m.recovery(status))
	state.Reset(m.clock.Now())
	return false
}

// recovery classifies the trailing output and picks intervention wording:
// error signature first, then pending todos, then a generic nudge. All
// variants lead with an interrupt so the text lands on a prompt instead of
// a half-finished generation.
func (m *Babysit) recovery(status string) InterventionEvent {
	if label, found := m.matcher.ErrorSignature(status); found {
		return InterventionEvent{
			Reason:    ReasonErrorState,
			Interrupt: true,
			Text: fmt.Sprintf("The last operation appears to have failed (%s). "+
				"Review the recent output, fix the problem, and continue with the task.", label),
		}
	}

	if stats, ok := m.matcher.TaskStatus(status); ok && stats.Open > 0 {
		return InterventionEvent{
			Reason:    ReasonPendingTodos,
			Interrupt: true,
			Text: fmt.Sprintf("Output has been static for a while and %d of %d tasks are still open. "+
				"Pick up the next open task and keep going.", stats.Open, stats.Total),
		}
	}

	return InterventionEvent{
		Reason:    ReasonStuckTimeout,
		Interrupt: true,
		Text: "You appear to be stuck. If you are waiting for confirmation, proceed with " +
			"your best judgment and continue with the task.",
	}
}
